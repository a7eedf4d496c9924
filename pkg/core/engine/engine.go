// Package engine is the conversational engine client: speech-to-text,
// text-to-speech and text generation behind one stateless API, each with an
// ordered provider fallback.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/voice"
	"github.com/vango-go/vai-callcenter/pkg/core/voice/stt"
	"github.com/vango-go/vai-callcenter/pkg/core/voice/tts"
)

// Config configures a Client.
type Config struct {
	// Generators are tried in order until one succeeds.
	Generators []core.Provider
	// ModelMap translates the requested model for fallback providers.
	ModelMap ModelMap
	// AttemptTimeout bounds each generation attempt.
	AttemptTimeout time.Duration
	// AnalysisModel is used by Analyze.
	AnalysisModel string
	Voice         *voice.Pipeline
	Logger        *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	generators     []core.Provider
	modelMap       ModelMap
	attemptTimeout time.Duration
	analysisModel  string
	voice          *voice.Pipeline
	logger         *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pipeline := cfg.Voice
	if pipeline == nil {
		pipeline = voice.NewPipelineWithProviders(nil, nil, voice.WithLogger(logger))
	}
	return &Client{
		generators:     cfg.Generators,
		modelMap:       cfg.ModelMap,
		attemptTimeout: cfg.AttemptTimeout,
		analysisModel:  cfg.AnalysisModel,
		voice:          pipeline,
		logger:         logger,
	}
}

// Providers returns the configured generation provider names in fallback order.
func (c *Client) Providers() []string {
	names := make([]string, len(c.generators))
	for i, g := range c.generators {
		names[i] = g.Name()
	}
	return names
}

// Generate requests a completion, trying providers in order. A model of the
// form "provider/model" moves that provider to the front of the chain.
// Only a complete response is returned; on failure every attempt's error is
// joined into one provider error.
func (c *Client) Generate(ctx context.Context, req *core.GenerateRequest) (*core.GenerateResponse, error) {
	if len(c.generators) == 0 {
		return nil, core.NewProviderError("generation", errors.New("no generation provider configured"))
	}

	model := req.Model
	chain := c.generators
	if name, m, err := core.ParseModelString(model); err == nil {
		model = m
		chain = preferProvider(c.generators, name)
	}

	var errs []error
	for _, provider := range chain {
		attempt := *req
		attempt.Model = c.modelMap.Resolve(provider.Name(), model)

		attemptCtx, cancel := c.attemptContext(ctx)
		resp, err := provider.Generate(attemptCtx, &attempt)
		cancel()
		if err == nil {
			if resp.Provider == "" {
				resp.Provider = provider.Name()
			}
			return resp, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
		c.logger.Warn("generation attempt failed",
			"provider", provider.Name(),
			"model", attempt.Model,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, core.NewProviderError("generation", errors.Join(errs...))
}

// Transcribe converts audio to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (string, error) {
	out, err := c.voice.Transcribe(ctx, audio, opts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

// Synthesize converts text to audio.
func (c *Client) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	return c.voice.Synthesize(ctx, text, opts)
}

// Analysis is the structured result of a post-call review.
type Analysis struct {
	Summary   string   `json:"summary"`
	Sentiment string   `json:"sentiment,omitempty"`
	Outcome   string   `json:"outcome,omitempty"`
	NextSteps []string `json:"nextSteps,omitempty"`
}

const analysisPrompt = `You review call-center phone call transcripts.
Reply with only a JSON object with the keys:
"summary" (two or three sentences), "sentiment" ("positive", "neutral" or "negative"),
"outcome" (short phrase), "nextSteps" (array of short strings, may be empty).`

// Analyze summarizes a call transcript through the generation chain.
func (c *Client) Analyze(ctx context.Context, transcript, language string) (*Analysis, error) {
	if strings.TrimSpace(transcript) == "" {
		return &Analysis{Summary: "", Sentiment: "neutral"}, nil
	}

	system := analysisPrompt
	if language != "" {
		system += "\nWrite the summary in the language with code " + language + "."
	}
	temp := 0.2
	resp, err := c.Generate(ctx, &core.GenerateRequest{
		Model:       c.analysisModel,
		System:      system,
		Messages:    []core.Message{{Role: core.RoleUser, Content: transcript}},
		Temperature: &temp,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, err
	}
	return parseAnalysis(resp.Text), nil
}

// parseAnalysis extracts the JSON object from a model reply. Replies that are
// not JSON are kept whole as the summary.
func parseAnalysis(text string) *Analysis {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		var a Analysis
		if err := json.Unmarshal([]byte(text[start:end+1]), &a); err == nil && a.Summary != "" {
			return &a
		}
	}
	return &Analysis{Summary: strings.TrimSpace(text)}
}

func (c *Client) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.attemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.attemptTimeout)
}

func preferProvider(chain []core.Provider, name string) []core.Provider {
	out := make([]core.Provider, 0, len(chain))
	for _, p := range chain {
		if p.Name() == name {
			out = append(out, p)
		}
	}
	for _, p := range chain {
		if p.Name() != name {
			out = append(out, p)
		}
	}
	return out
}
