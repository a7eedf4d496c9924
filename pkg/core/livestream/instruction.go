package livestream

import (
	"fmt"
	"strings"
)

// InstructionParams are the inputs to BuildInstruction.
type InstructionParams struct {
	Prompt       string
	Language     string
	Greeting     string
	Outbound     bool
	SpeakingRate float64
	Pitch        float64
	Tools        []FunctionDeclaration
}

var languageNames = map[string]string{
	"en": "English",
	"ru": "Russian",
	"kk": "Kazakh",
	"uz": "Uzbek",
	"ky": "Kyrgyz",
	"tr": "Turkish",
	"de": "German",
	"es": "Spanish",
	"fr": "French",
}

// BuildInstruction assembles the system instruction sent once at setup.
func BuildInstruction(p InstructionParams) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Prompt))

	if lang := languageName(p.Language); lang != "" {
		fmt.Fprintf(&b, "\n\nAlways speak %s unless the caller clearly switches language.", lang)
	}

	if g := strings.TrimSpace(p.Greeting); g != "" {
		if p.Outbound {
			fmt.Fprintf(&b, "\n\nYou are placing this call. As soon as the person answers, greet them with: %q", g)
		} else {
			fmt.Fprintf(&b, "\n\nYou are answering an incoming call. Open with: %q", g)
		}
		b.WriteString(" Do not repeat the greeting later in the call.")
	}

	if hints := voiceHints(p.SpeakingRate, p.Pitch); len(hints) > 0 {
		b.WriteString("\n\nVoice: ")
		b.WriteString(strings.Join(hints, " "))
	}

	if len(p.Tools) > 0 {
		b.WriteString("\n\nYou can use these tools when they help the caller:")
		for _, t := range p.Tools {
			fmt.Fprintf(&b, "\n- %s: %s", t.Name, t.Description)
		}
		b.WriteString("\nConfirm details with the caller before scheduling anything.")
	}

	b.WriteString("\n\nKeep replies short and conversational; this is a phone call.")
	return strings.TrimSpace(b.String())
}

func languageName(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}

func voiceHints(rate, pitch float64) []string {
	var hints []string
	switch {
	case rate >= 1.15:
		hints = append(hints, "Speak at a brisk pace.")
	case rate > 0 && rate <= 0.85:
		hints = append(hints, "Speak slowly and clearly.")
	}
	switch {
	case pitch >= 2:
		hints = append(hints, "Use a bright, lively tone.")
	case pitch <= -2:
		hints = append(hints, "Use a calm, low tone.")
	}
	return hints
}
