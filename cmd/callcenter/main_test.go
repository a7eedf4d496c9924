package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-callcenter/pkg/gateway/config"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, mainDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newService: func(context.Context, config.Config, *slog.Logger) (service, error) {
			t.Fatalf("newService should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr = %q", got)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

type fakeService struct {
	mu       sync.Mutex
	started  bool
	draining bool
	shutdown bool
}

func (f *fakeService) Handler() http.Handler { return http.NotFoundHandler() }

func (f *fakeService) Start(ctx context.Context) {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

func (f *fakeService) SetDraining() {
	f.mu.Lock()
	f.draining = true
	f.mu.Unlock()
}

func (f *fakeService) Shutdown(ctx context.Context, httpSrv *http.Server) error {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
	return httpSrv.Shutdown(ctx)
}

func TestRun_SignalDrainsAndShutsDown(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	sigSent := make(chan struct{})
	deps := mainDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{Addr: "127.0.0.1:0", ShutdownGracePeriod: time.Second}, nil
		},
		newService: func(context.Context, config.Config, *slog.Logger) (service, error) {
			return svc, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			go func() {
				c <- os.Interrupt
				close(sigSent)
			}()
		},
		signalStop: func(c chan<- os.Signal) {},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := run(context.Background(), logger, deps); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	<-sigSent

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !svc.started || !svc.draining || !svc.shutdown {
		t.Fatalf("service = %+v", svc)
	}
}

func TestRun_ServiceBuildFailure(t *testing.T) {
	t.Parallel()

	deps := mainDeps{
		loadConfig: func() (config.Config, error) { return config.Config{}, nil },
		newService: func(context.Context, config.Config, *slog.Logger) (service, error) {
			return nil, errors.New("no trunk")
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	}
	err := run(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), deps)
	if err == nil || !strings.Contains(err.Error(), "no trunk") {
		t.Fatalf("err = %v", err)
	}
}

func TestPrimaryModelAndFallbackMap(t *testing.T) {
	cfg := config.Config{
		GenerationProviders: []string{"openai", "gemini", "groq"},
		GeminiAPIKey:        "g",
		GeminiModel:         "gemini-2.0-flash",
		OpenAIModel:         "gpt-4o-mini",
		GroqAPIKey:          "q",
		GroqModel:           "llama-3.3-70b-versatile",
	}

	primary := primaryModel(cfg)
	if primary != "gemini/gemini-2.0-flash" {
		t.Fatalf("primaryModel = %q", primary)
	}

	m := withFallbackModels(nil, cfg, primary)
	if got := m.Resolve("groq", "gemini-2.0-flash"); got != "llama-3.3-70b-versatile" {
		t.Fatalf("groq resolves to %q", got)
	}
	if got := m.Resolve("gemini", "gemini-2.0-flash"); got != "gemini-2.0-flash" {
		t.Fatalf("gemini resolves to %q", got)
	}
}

func TestWithFallbackModels_ExplicitEntriesWin(t *testing.T) {
	cfg := config.Config{
		GenerationProviders: []string{"gemini", "openai"},
		GeminiModel:         "gemini-2.0-flash",
		OpenAIModel:         "gpt-4o-mini",
	}
	m := withFallbackModels(map[string]map[string]string{
		"openai": {"gemini-2.0-flash": "gpt-4o"},
	}, cfg, "gemini/gemini-2.0-flash")
	if got := m.Resolve("openai", "gemini-2.0-flash"); got != "gpt-4o" {
		t.Fatalf("openai resolves to %q", got)
	}
}

func TestNewGenerators_SkipsProvidersWithoutKeys(t *testing.T) {
	cfg := config.Config{
		GenerationProviders: []string{"gemini", "openai", "groq"},
		OpenAIAPIKey:        "sk",
		GroqAPIKey:          "gq",
	}
	gens, err := newGenerators(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newGenerators() error = %v", err)
	}
	var names []string
	for _, g := range gens {
		names = append(names, g.Name())
	}
	if strings.Join(names, ",") != "openai,groq" {
		t.Fatalf("providers = %v", names)
	}
}

func TestLiveTemplate_DefaultsToGemini(t *testing.T) {
	tmpl := liveTemplate(config.Config{GeminiAPIKey: "g", LiveModel: "m", SampleRate: 8000})
	if !strings.HasPrefix(tmpl.URL, "wss://generativelanguage.googleapis.com/") {
		t.Fatalf("URL = %q", tmpl.URL)
	}
	if tmpl.APIKey != "g" || tmpl.InputMIMEType != "audio/pcm;rate=8000" {
		t.Fatalf("template = %+v", tmpl)
	}
}
