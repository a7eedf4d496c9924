// Package gemini implements text generation over the Google Gemini API
// using the google.golang.org/genai client.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-callcenter/pkg/core"
)

// DefaultMaxTokens is the default max tokens if not specified.
const DefaultMaxTokens = 1024

// Provider implements core.Provider for Gemini.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	client     *genai.Client
}

var _ core.Provider = (*Provider)(nil)

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{apiKey: apiKey}
	for _, opt := range opts {
		opt(p)
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.client = client
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "gemini"
}

// Generate sends a non-streaming GenerateContent request.
func (p *Provider) Generate(ctx context.Context, req *core.GenerateRequest) (*core.GenerateResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, core.NewInvalidRequestError("at least one message is required")
	}

	model := stripProviderPrefix(req.Model)
	resp, err := p.client.Models.GenerateContent(ctx, model, buildContents(req.Messages), buildConfig(req))
	if err != nil {
		return nil, core.NewProviderError(p.Name(), err)
	}

	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		return nil, core.NewProviderError(p.Name(), fmt.Errorf("completion truncated at token limit"))
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, core.NewProviderError(p.Name(), fmt.Errorf("empty completion"))
	}

	return &core.GenerateResponse{
		Text:     text,
		Model:    model,
		Provider: p.Name(),
	}, nil
}

func buildContents(messages []core.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if m.Role == core.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}
	return contents
}

func buildConfig(req *core.GenerateRequest) *genai.GenerateContentConfig {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	return cfg
}

// stripProviderPrefix removes a "gemini/" prefix if present.
func stripProviderPrefix(model string) string {
	return strings.TrimPrefix(model, "gemini/")
}
