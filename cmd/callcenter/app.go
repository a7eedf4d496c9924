package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-callcenter/pkg/core"
	"github.com/vango-go/vai-callcenter/pkg/core/calls"
	"github.com/vango-go/vai-callcenter/pkg/core/conversation"
	"github.com/vango-go/vai-callcenter/pkg/core/engine"
	"github.com/vango-go/vai-callcenter/pkg/core/livestream"
	"github.com/vango-go/vai-callcenter/pkg/core/providers/gemini"
	"github.com/vango-go/vai-callcenter/pkg/core/providers/groq"
	"github.com/vango-go/vai-callcenter/pkg/core/providers/openai"
	"github.com/vango-go/vai-callcenter/pkg/core/voice"
	"github.com/vango-go/vai-callcenter/pkg/core/voice/stt"
	"github.com/vango-go/vai-callcenter/pkg/core/voice/tts"
	"github.com/vango-go/vai-callcenter/pkg/gateway/auth"
	"github.com/vango-go/vai-callcenter/pkg/gateway/config"
	"github.com/vango-go/vai-callcenter/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callcenter/pkg/gateway/operator"
	gatewayserver "github.com/vango-go/vai-callcenter/pkg/gateway/server"
	"github.com/vango-go/vai-callcenter/pkg/objectstore"
	"github.com/vango-go/vai-callcenter/pkg/signaling"
	"github.com/vango-go/vai-callcenter/pkg/store"
	"github.com/vango-go/vai-callcenter/pkg/store/memory"
	"github.com/vango-go/vai-callcenter/pkg/store/postgres"
)

const tokenIssuer = "vai-callcenter"

// app owns every long-lived component of the process.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	lifecycle *lifecycle.Lifecycle

	store     store.Store
	adapter   *signaling.Adapter
	orch      *conversation.Orchestrator
	attacher  *conversation.Attacher
	operators *operator.Gateway
	server    *gatewayserver.Server
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, lifecycle: &lifecycle.Lifecycle{}}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	generators, err := newGenerators(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	modelMap, err := engine.ParseModelMap(cfg.ModelMap)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("parse model map: %w", err)
	}
	defaultModel := primaryModel(cfg)
	modelMap = withFallbackModels(modelMap, cfg, defaultModel)

	eng := engine.New(engine.Config{
		Generators:     generators,
		ModelMap:       modelMap,
		AttemptTimeout: cfg.ProviderTimeout,
		AnalysisModel:  defaultModel,
		Voice:          newVoice(cfg, logger),
		Logger:         logger,
	})

	trunk, err := signaling.NewSIPTrunk(signaling.SIPConfig{
		ListenAddr: cfg.SIPListenAddr,
		Transport:  cfg.SIPTransport,
		PublicHost: cfg.SIPPublicHost,
		PublicPort: cfg.SIPPublicPort,
		TrunkAddr:  cfg.SIPTrunkAddr,
		Username:   cfg.SIPUsername,
		Password:   cfg.SIPPassword,
		RTPPort:    cfg.SIPRTPPort,
	}, logger.With("component", "sip"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("sip trunk: %w", err)
	}

	a.orch = conversation.New(conversation.Config{
		DefaultModel:    defaultModel,
		DefaultLanguage: cfg.DefaultLanguage,
		AudioFormat:     cfg.AudioFormat,
		SampleRate:      cfg.SampleRate,
		Live:            liveTemplate(cfg),
	}, conversation.Stores{
		Agents:        st,
		Conversations: st,
		Knowledge:     st,
		Appointments:  st,
	}, eng, nil, logger.With("component", "conversation"))
	a.adapter = signaling.New(trunk, calls.NewRegistry(cfg.MaxConcurrentCalls), signaling.Config{
		FromNumber:      cfg.SIPFromNumber,
		ConnectTimeout:  cfg.SIPConnectTimeout,
		DialTimeout:     cfg.SIPDialTimeout,
		MaxCallDuration: cfg.MaxCallDuration,
		OnTerminate:     a.orch.Terminate,
	}, logger.With("component", "signaling"))
	a.attacher = conversation.NewAttacher(a.orch, a.adapter, conversation.AttachConfig{
		InboundAgentID: cfg.InboundAgentID,
	}, logger.With("component", "attach"))

	tokens, err := auth.NewTokens(cfg.AuthSecret, tokenIssuer)
	if err != nil {
		a.abort()
		return nil, err
	}
	a.operators, err = operator.New(operator.Config{
		PingInterval:       cfg.WSPingInterval,
		WriteTimeout:       cfg.WSWriteTimeout,
		PostProcessTimeout: cfg.PostProcessTimeout,
		AllowedOrigins:     cfg.AllowedOrigins,
		AudioFormat:        cfg.AudioFormat,
		SampleRate:         cfg.SampleRate,
		Language:           cfg.DefaultLanguage,
	}, operator.Deps{
		Signaling:     a.adapter,
		Conversations: st,
		Uploader:      uploader,
		Analyzer:      eng,
		AI:            a.orch,
		Tokens:        tokens,
		Lifecycle:     a.lifecycle,
		Logger:        logger.With("component", "operator"),
	})
	if err != nil {
		a.abort()
		return nil, err
	}

	a.server = gatewayserver.New(cfg, gatewayserver.Deps{
		Calls:         a.adapter,
		Telephony:     a.adapter,
		AI:            a.orch,
		Assigner:      a.attacher,
		Conversations: st,
		Agents:        st,
		CallEvents:    a.adapter,
		AIEvents:      a.orch,
		Operators:     a.operators,
		Tokens:        tokens,
		Lifecycle:     a.lifecycle,
		Providers:     eng.Providers(),
	}, logger)
	return a, nil
}

func (a *app) Handler() http.Handler { return a.server.Handler() }

// Start connects the SIP trunk in the background.
func (a *app) Start(ctx context.Context) {
	a.adapter.Start(ctx)
}

// SetDraining refuses new calls and operator connections.
func (a *app) SetDraining() {
	a.lifecycle.SetDraining(true)
	a.adapter.SetDraining(true)
}

// Shutdown stops the HTTP server and operator sockets together, then tears
// down AI sessions, calls and storage.
func (a *app) Shutdown(ctx context.Context, httpSrv *http.Server) error {
	var g errgroup.Group
	g.Go(func() error {
		if err := httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.operators.Close(ctx); err != nil {
			return fmt.Errorf("close operator gateway: %w", err)
		}
		return nil
	})
	err := g.Wait()

	a.attacher.Close()
	a.orch.Shutdown(ctx)
	if cerr := a.adapter.Close(ctx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close signaling: %w", cerr))
	}
	if cerr := a.store.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close store: %w", cerr))
	}
	return err
}

// abort releases what newApp built before failing.
func (a *app) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.attacher != nil {
		a.attacher.Close()
	}
	if a.orch != nil {
		a.orch.Shutdown(ctx)
	}
	if a.adapter != nil {
		_ = a.adapter.Close(ctx)
	}
	_ = a.store.Close()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return memory.New(), nil
	}
	st, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return st, nil
}

func newUploader(ctx context.Context, cfg config.Config) (objectstore.Uploader, error) {
	if cfg.S3Bucket == "" {
		return objectstore.NewMemory(), nil
	}
	up, err := objectstore.NewS3(ctx, objectstore.S3Options{
		Bucket:        cfg.S3Bucket,
		Region:        cfg.S3Region,
		Endpoint:      cfg.S3Endpoint,
		Prefix:        cfg.S3Prefix,
		PublicBaseURL: cfg.S3PublicBaseURL,
		PresignTTL:    cfg.S3PresignTTL,
	})
	if err != nil {
		return nil, err
	}
	return up, nil
}

// newGenerators builds generation providers in configured order, skipping
// providers without credentials.
func newGenerators(ctx context.Context, cfg config.Config) ([]core.Provider, error) {
	var out []core.Provider
	for _, name := range cfg.GenerationProviders {
		if !cfg.HasGenerationKey(name) {
			continue
		}
		switch name {
		case "gemini":
			p, err := gemini.New(ctx, cfg.GeminiAPIKey)
			if err != nil {
				return nil, fmt.Errorf("gemini provider: %w", err)
			}
			out = append(out, p)
		case "openai":
			var opts []openai.Option
			if cfg.OpenAIBaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
			}
			out = append(out, openai.New(cfg.OpenAIAPIKey, opts...))
		case "groq":
			out = append(out, groq.New(cfg.GroqAPIKey))
		}
	}
	return out, nil
}

func providerModel(cfg config.Config, provider string) string {
	switch provider {
	case "gemini":
		return cfg.GeminiModel
	case "openai":
		return cfg.OpenAIModel
	case "groq":
		return cfg.GroqModel
	}
	return ""
}

// primaryModel is "provider/model" for the first provider with credentials.
func primaryModel(cfg config.Config) string {
	for _, name := range cfg.GenerationProviders {
		if cfg.HasGenerationKey(name) {
			return name + "/" + providerModel(cfg, name)
		}
	}
	return ""
}

// withFallbackModels maps the primary model onto each fallback provider's
// configured model. Explicit entries in m take precedence.
func withFallbackModels(m engine.ModelMap, cfg config.Config, primary string) engine.ModelMap {
	_, model, err := core.ParseModelString(primary)
	if err != nil {
		return m
	}
	if m == nil {
		m = engine.ModelMap{}
	}
	for _, name := range cfg.GenerationProviders {
		target := providerModel(cfg, name)
		if target == "" || target == model {
			continue
		}
		if m[name] == nil {
			m[name] = map[string]string{}
		}
		if _, ok := m[name][model]; !ok {
			m[name][model] = target
		}
	}
	return m
}

// newVoice orders TTS providers with the configured one first. STT prefers
// Cartesia and falls back to OpenAI Whisper.
func newVoice(cfg config.Config, logger *slog.Logger) *voice.Pipeline {
	var sttProviders []stt.Provider
	if cfg.CartesiaAPIKey != "" {
		sttProviders = append(sttProviders, stt.NewCartesia(cfg.CartesiaAPIKey))
	}
	if cfg.OpenAIAPIKey != "" {
		sttProviders = append(sttProviders, stt.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, nil))
	}

	var cartesia, elevenlabs tts.Provider
	if cfg.CartesiaAPIKey != "" {
		cartesia = tts.NewCartesia(cfg.CartesiaAPIKey)
	}
	if cfg.ElevenLabsAPIKey != "" {
		elevenlabs = tts.NewElevenLabs(cfg.ElevenLabsAPIKey)
	}
	order := []tts.Provider{cartesia, elevenlabs}
	if cfg.TTSProvider == "elevenlabs" {
		order = []tts.Provider{elevenlabs, cartesia}
	}
	var ttsProviders []tts.Provider
	for _, p := range order {
		if p != nil {
			ttsProviders = append(ttsProviders, p)
		}
	}

	return voice.NewPipelineWithProviders(sttProviders, ttsProviders,
		voice.WithAttemptTimeout(cfg.ProviderTimeout),
		voice.WithLogger(logger),
	)
}

func liveTemplate(cfg config.Config) livestream.Config {
	url := cfg.LiveURL
	if url == "" {
		url = livestream.GeminiLiveURL
	}
	return livestream.Config{
		URL:           url,
		APIKey:        cfg.GeminiAPIKey,
		Model:         cfg.LiveModel,
		Voice:         cfg.LiveVoice,
		InputMIMEType: fmt.Sprintf("audio/pcm;rate=%d", cfg.SampleRate),
		WriteTimeout:  cfg.WSWriteTimeout,
		PingInterval:  cfg.WSPingInterval,
	}
}
