package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/vai-callcenter/internal/dotenv"
	"github.com/vango-go/vai-callcenter/pkg/gateway/config"
)

// service is the running process as seen by run.
type service interface {
	Handler() http.Handler
	Start(ctx context.Context)
	SetDraining()
	Shutdown(ctx context.Context, httpSrv *http.Server) error
}

type mainDeps struct {
	loadConfig   func() (config.Config, error)
	newService   func(context.Context, config.Config, *slog.Logger) (service, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultMainDeps() mainDeps {
	return mainDeps{
		loadConfig: config.LoadFromEnv,
		newService: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (service, error) {
			return newApp(ctx, cfg, logger)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func run(ctx context.Context, logger *slog.Logger, deps mainDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newService == nil {
		return errors.New("missing newService dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svc, err := deps.newService(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, svc.Handler())

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	svc.Start(runCtx)

	logger.Info("starting call center",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"sip_listen", cfg.SIPListenAddr,
		"sip_transport", cfg.SIPTransport,
		"providers", cfg.GenerationProviders,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	var serveErr error
	listenDone := false
	select {
	case serveErr = <-listenErrCh:
		listenDone = true
		if serveErr != nil {
			serveErr = fmt.Errorf("serve: %w", serveErr)
		}
	case <-ctx.Done():
		serveErr = ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	svc.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx, httpSrv); err != nil {
		return errors.Join(serveErr, err)
	}
	if serveErr != nil {
		return serveErr
	}
	if !listenDone {
		if err := <-listenErrCh; err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("call center stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps mainDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "callcenter: %v\n", err)
		return 1
	}

	if err := run(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "callcenter: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultMainDeps()))
}
