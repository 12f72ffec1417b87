// Package main is the entrypoint for the jobcore API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/jobcore/internal/app"
	"github.com/kiranshivaraju/jobcore/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(newLogger(os.Getenv("JOBCORE_ENV")))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// newLogger logs JSON to stdout, at debug level in development.
func newLogger(env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "" || env == "development" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect backends
	backends, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.Close()

	// 3. Build router with dependencies
	sweeper := app.NewSweeper(cfg, backends)
	router := app.NewRouter(cfg, backends, sweeper)

	// 4. Optional in-process worker for local development
	bgErr := make(chan error, 1)
	if cfg.Jobs.EmbeddedWorker {
		worker, err := app.NewWorker(cfg, backends)
		if err != nil {
			return err
		}
		go func() { bgErr <- app.RunBackground(ctx, cfg, backends, worker, sweeper) }()
		slog.Info("embedded worker started")
	} else if backends.Local() {
		slog.Warn("in-process queue without JOBS_EMBEDDED_WORKER: submitted jobs will not run")
	}

	// 5. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or a failure
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case err := <-bgErr:
		if err != nil {
			return fmt.Errorf("embedded worker: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
