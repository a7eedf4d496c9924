package engine

import (
	"fmt"
	"strings"
)

// ModelMap rewrites a requested model name per fallback provider:
// provider -> requested model -> provider's model.
type ModelMap map[string]map[string]string

// ParseModelMap parses "provider:from=to;provider:from=to".
func ParseModelMap(s string) (ModelMap, error) {
	m := ModelMap{}
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		provider, pair, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("model map entry %q: missing provider", entry)
		}
		from, to, ok := strings.Cut(pair, "=")
		provider, from, to = strings.TrimSpace(provider), strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || provider == "" || from == "" || to == "" {
			return nil, fmt.Errorf("model map entry %q: expected provider:from=to", entry)
		}
		if m[provider] == nil {
			m[provider] = map[string]string{}
		}
		m[provider][from] = to
	}
	return m, nil
}

// Resolve returns the model to request from provider for the given model.
// Unmapped models pass through unchanged.
func (m ModelMap) Resolve(provider, model string) string {
	if to, ok := m[provider][model]; ok {
		return to
	}
	return model
}
