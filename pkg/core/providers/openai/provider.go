// Package openai implements text generation over the OpenAI Chat Completions API
// and compatible endpoints.
package openai

import (
	"context"
	"net/http"

	"github.com/vango-go/vai-callcenter/pkg/core"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultMaxTokens is the default max tokens if not specified.
	DefaultMaxTokens = 1024
)

// Provider implements core.Provider against the Chat Completions API.
type Provider struct {
	name                string
	apiKey              string
	baseURL             string
	chatCompletionsPath string
	httpClient          *http.Client
	maxTokensField      MaxTokensField
	auth                AuthConfig
	extraHeaders        map[string]string
}

var _ core.Provider = (*Provider)(nil)

// New creates a new OpenAI provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:                "openai",
		apiKey:              apiKey,
		baseURL:             DefaultBaseURL,
		chatCompletionsPath: "/chat/completions",
		httpClient:          &http.Client{},
		maxTokensField:      MaxTokensFieldMaxCompletionTokens,
		auth: AuthConfig{
			Header: "Authorization",
			Prefix: "Bearer ",
		},
		extraHeaders: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Generate sends a non-streaming completion request.
func (p *Provider) Generate(ctx context.Context, req *core.GenerateRequest) (*core.GenerateResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, core.NewInvalidRequestError("at least one message is required")
	}

	body, err := p.doRequest(ctx, p.buildRequest(req))
	if err != nil {
		return nil, core.NewProviderError(p.name, err)
	}

	resp, err := p.parseResponse(body)
	if err != nil {
		return nil, core.NewProviderError(p.name, err)
	}
	return resp, nil
}
