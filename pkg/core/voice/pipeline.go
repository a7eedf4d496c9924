// Package voice runs speech-to-text and text-to-speech across an ordered list
// of providers, falling back to the next provider when one fails.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/voice/stt"
	"github.com/vango-go/vai-callcenter/pkg/core/voice/tts"
)

// Pipeline handles STT and TTS with provider fallback.
type Pipeline struct {
	sttProviders   []stt.Provider
	ttsProviders   []tts.Provider
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithAttemptTimeout bounds each provider attempt. Zero leaves only the
// caller's deadline in effect.
func WithAttemptTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.attemptTimeout = d }
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipelineWithProviders creates a voice pipeline. Providers are tried in order.
func NewPipelineWithProviders(sttProviders []stt.Provider, ttsProviders []tts.Provider, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		sttProviders: sttProviders,
		ttsProviders: ttsProviders,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Transcribe converts audio to text with the first provider that succeeds.
func (p *Pipeline) Transcribe(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (*stt.Transcript, error) {
	if len(p.sttProviders) == 0 {
		return nil, core.NewProviderError("stt", errors.New("no speech-to-text provider configured"))
	}
	if len(audio) == 0 {
		return nil, core.NewInvalidRequestError("audio is empty")
	}

	var errs []error
	for _, provider := range p.sttProviders {
		attemptCtx, cancel := p.attemptContext(ctx)
		out, err := provider.Transcribe(attemptCtx, bytes.NewReader(audio), opts)
		cancel()
		if err == nil {
			return out, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
		p.logger.Warn("transcription attempt failed", "provider", provider.Name(), "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, core.NewProviderError("stt", errors.Join(errs...))
}

// Synthesize converts text to audio with the first provider that succeeds.
func (p *Pipeline) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	if len(p.ttsProviders) == 0 {
		return nil, core.NewProviderError("tts", errors.New("no text-to-speech provider configured"))
	}
	if text == "" {
		return nil, core.NewInvalidRequestError("text is empty")
	}

	var errs []error
	for _, provider := range p.ttsProviders {
		attemptCtx, cancel := p.attemptContext(ctx)
		out, err := provider.Synthesize(attemptCtx, text, opts)
		cancel()
		if err == nil && len(out.Audio) > 0 {
			return out, nil
		}
		if err == nil {
			err = errors.New("empty audio")
		}
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
		p.logger.Warn("synthesis attempt failed", "provider", provider.Name(), "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, core.NewProviderError("tts", errors.Join(errs...))
}

func (p *Pipeline) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.attemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.attemptTimeout)
}
