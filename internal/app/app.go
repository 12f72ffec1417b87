// Package app wires configuration into running components. cmd/server and
// cmd/worker share it so both processes talk to the same backends the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/jobcore/internal/ai"
	"github.com/kiranshivaraju/jobcore/internal/api"
	"github.com/kiranshivaraju/jobcore/internal/api/handler"
	mw "github.com/kiranshivaraju/jobcore/internal/api/middleware"
	"github.com/kiranshivaraju/jobcore/internal/cache"
	"github.com/kiranshivaraju/jobcore/internal/config"
	"github.com/kiranshivaraju/jobcore/internal/jobs"
	"github.com/kiranshivaraju/jobcore/internal/objectstore"
	"github.com/kiranshivaraju/jobcore/internal/payments"
	"github.com/kiranshivaraju/jobcore/internal/queue"
	"github.com/kiranshivaraju/jobcore/internal/quota"
	"github.com/kiranshivaraju/jobcore/internal/store"
	"github.com/kiranshivaraju/jobcore/pkg/models"
)

// MigrationsDir holds the Postgres migrations, relative to the working directory.
const MigrationsDir = "migrations"

// memoryQueueBuffer bounds pending dispatches when no broker is configured.
const memoryQueueBuffer = 1024

// Queue is a broker connection that both publishes and consumes.
type Queue interface {
	queue.Publisher
	queue.Consumer
	Ping(ctx context.Context) error
}

// Backends are the connected stateful dependencies of a process.
type Backends struct {
	Store store.Store
	Cache cache.Cache
	Queue Queue
	Blobs objectstore.Store

	closers []func()
}

// Open connects every backend named by cfg. In development an empty REDIS_URL,
// AMQP_URL or S3_ENDPOINT selects the in-process implementation; config
// validation rejects that elsewhere.
func Open(ctx context.Context, cfg *config.Config) (*Backends, error) {
	b := &Backends{}
	if err := b.open(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) open(ctx context.Context, cfg *config.Config) error {
	// 1. Job store
	if cfg.Database.SQLite() {
		db, err := store.OpenSQLite(cfg.Database.URL)
		if err != nil {
			return err
		}
		gs := store.NewGormStore(db)
		if err := gs.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			b.closers = append(b.closers, func() { _ = sqlDB.Close() })
		}
		b.Store = gs
		slog.Info("sqlite store ready", "url", cfg.Database.URL)
	} else {
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
		b.Store = store.NewPostgresStore(pool)
	}

	// 2. Cache
	if cfg.Redis.URL == "" {
		b.Cache = cache.NewMemoryCache()
		slog.Warn("REDIS_URL not set, using in-process cache")
	} else {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		b.closers = append(b.closers, func() { _ = rc.Close() })
		if err := rc.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		b.Cache = rc
		slog.Info("redis connected")
	}

	// 3. Queue
	if cfg.AMQP.URL == "" {
		mq := queue.NewMemoryQueue(memoryQueueBuffer, cfg.Jobs.Concurrency)
		b.closers = append(b.closers, func() { _ = mq.Close() })
		b.Queue = mq
		slog.Warn("AMQP_URL not set, using in-process queue")
	} else {
		conn, err := queue.Dial(cfg.AMQP.URL)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, func() { _ = conn.Close() })
		rq, err := queue.NewRabbitQueue(conn, cfg.AMQP)
		if err != nil {
			return fmt.Errorf("declare amqp topology: %w", err)
		}
		b.closers = append(b.closers, func() { _ = rq.Close() })
		b.Queue = rq
		slog.Info("amqp connected", "exchange", cfg.AMQP.Exchange, "queue", cfg.AMQP.WorkQueue)
	}

	// 4. Object store
	if cfg.ObjectStore.Endpoint == "" {
		b.Blobs = objectstore.NewMemoryStore()
		slog.Warn("S3_ENDPOINT not set, using in-process object store")
	} else {
		ms, err := objectstore.NewMinioStore(cfg.ObjectStore)
		if err != nil {
			return err
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket %q: %w", cfg.ObjectStore.Bucket, err)
		}
		b.Blobs = ms
		slog.Info("object store ready", "endpoint", cfg.ObjectStore.Endpoint, "bucket", cfg.ObjectStore.Bucket)
	}

	return nil
}

// Close releases backends in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// Local reports whether dispatches stay inside this process. A separate worker
// process can then never see them.
func (b *Backends) Local() bool {
	_, ok := b.Queue.(*queue.MemoryQueue)
	return ok
}

// NewWorker builds the job worker with a handler for every job kind.
func NewWorker(cfg *config.Config, b *Backends) (*jobs.Worker, error) {
	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", provider.Name())

	handlers := map[string]jobs.Handler{
		models.JobKindRecognition:  jobs.NewRecognitionHandler(b.Blobs, ai.NewRecognitionService(provider, cfg.AI.MaxRepairs)),
		models.JobKindPaymentEvent: jobs.NewPaymentEventHandler(payments.NewProcessor(b.Store)),
	}
	return jobs.NewWorker(b.Store, b.Cache, b.Queue, cfg.Jobs, handlers, !cfg.Server.Production()), nil
}

// NewSweeper builds the reconciliation sweep.
func NewSweeper(cfg *config.Config, b *Backends) *jobs.Sweeper {
	return jobs.NewSweeper(b.Store, b.Cache, b.Queue, cfg.Sweep, cfg.Jobs)
}

// NewRouter builds the HTTP API on b.
func NewRouter(cfg *config.Config, b *Backends, sweeper *jobs.Sweeper) http.Handler {
	gate := jobs.NewGate(b.Store, b.Cache, b.Blobs, b.Queue, quota.New(b.Cache, cfg.Quota), jobs.GateConfig{
		Jobs:             cfg.Jobs,
		MaxImageBytes:    cfg.Server.MaxImageBytes,
		AllowQuotaBypass: cfg.Server.Development() && cfg.Quota.DebugBypass,
		Debug:            !cfg.Server.Production(),
	})
	status := jobs.NewStatusService(b.Store, b.Cache, cfg.Jobs.ResultTTL)

	checks := map[string]handler.Pinger{
		"database":     b.Store,
		"cache":        b.Cache,
		"object_store": b.Blobs,
		"queue":        b.Queue,
	}

	return api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(b.Store, cfg.Admin),
		RateLimit:     mw.NewRateLimit(b.Cache, cfg.RateLimit.RequestsPerMinute),
		DefaultLocale: cfg.Server.DefaultLocale,

		HealthHandler:         handler.NewHealthHandler(checks),
		SubmitRecognition:     handler.NewSubmitRecognitionHandler(gate, cfg.Server.MaxImageBytes),
		GetTaskHandler:        handler.NewGetTaskHandler(status),
		CancelTaskHandler:     handler.NewCancelTaskHandler(status),
		PaymentWebhookHandler: handler.NewPaymentWebhookHandler(gate, cfg.Webhook.Token),
		CreateKeyHandler:      handler.NewCreateKeyHandler(b.Store),
		RunSweepHandler:       handler.NewRunSweepHandler(sweeper),
	})
}

// RunBackground runs the worker and the sweep schedule until ctx is cancelled.
func RunBackground(ctx context.Context, cfg *config.Config, b *Backends, worker *jobs.Worker, sweeper *jobs.Sweeper) error {
	c := jobs.NewCron(cfg.Quota.Location)
	if err := sweeper.Start(ctx, c); err != nil {
		return err
	}
	defer func() { <-c.Stop().Done() }()
	slog.Info("sweep scheduled", "schedule", cfg.Sweep.Schedule, "archive_schedule", cfg.Sweep.ArchiveSchedule)

	slog.Info("worker consuming", "concurrency", cfg.Jobs.Concurrency)
	if err := worker.Run(ctx, b.Queue); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}
