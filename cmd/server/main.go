package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lukasbauer/storyreel/internal/app"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := loadConfig(logger)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	flush := initSentry(cfg, logger)
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		sentry.CaptureException(err)
		flush()
		logger.Fatalf("storyreel: %v", err)
	}
}

// loadConfig reads the environment, then overlays CONFIG_FILE when set.
func loadConfig(logger *log.Logger) (app.Config, error) {
	cfg := app.LoadConfigFromEnv()
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return cfg, nil
	}
	if err := app.LoadConfigFile(path, &cfg); err != nil {
		return cfg, err
	}
	logger.Printf("config: overlaid %s", path)
	return cfg, nil
}

func initSentry(cfg app.Config, logger *log.Logger) (flush func()) {
	noop := func() {}
	if cfg.SentryDSN == "" {
		return noop
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
	})
	if err != nil {
		logger.Printf("sentry: init failed: %v", err)
		return noop
	}
	logger.Printf("sentry: reporting as %q", cfg.Environment)
	return func() { sentry.Flush(2 * time.Second) }
}

// run serves until ctx is cancelled. Live narrations get cfg.DrainTimeout to
// save their progress before the listener closes.
func run(ctx context.Context, cfg app.Config, logger *log.Logger) error {
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("storyreel: listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	a.Start()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Printf("shutdown: draining narrations (up to %v)", cfg.DrainTimeout)
	if a.Drain(cfg.DrainTimeout) {
		logger.Printf("shutdown: every narration saved")
	} else {
		logger.Printf("shutdown: drain timed out")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
