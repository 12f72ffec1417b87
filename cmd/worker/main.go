// Package main is the entrypoint for the jobcore worker. It consumes job
// dispatches and runs the reconciliation sweep on its cron schedule.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/jobcore/internal/app"
	"github.com/kiranshivaraju/jobcore/internal/config"
)

func main() {
	slog.SetDefault(newLogger(os.Getenv("JOBCORE_ENV")))

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "" || env == "development" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.Close()

	if backends.Local() {
		slog.Warn("AMQP_URL not set: this worker only sees its own dispatches, i.e. those the sweep republishes")
	}

	worker, err := app.NewWorker(cfg, backends)
	if err != nil {
		return err
	}

	if err := app.RunBackground(ctx, cfg, backends, worker, app.NewSweeper(cfg, backends)); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}
