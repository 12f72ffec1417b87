package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/jobcore/internal/cache"
	"github.com/kiranshivaraju/jobcore/internal/config"
	"github.com/kiranshivaraju/jobcore/internal/queue"
	"github.com/kiranshivaraju/jobcore/internal/store"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"github.com/kiranshivaraju/jobcore/pkg/models"
	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
)

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Redispatched int   `json:"redispatched"`
	Failed       int   `json:"failed"`
	Cancelled    int   `json:"cancelled"`
	Abandoned    int   `json:"abandoned"`
	Archived     int64 `json:"archived"`
}

// Sweeper re-drives jobs nobody is working on. Running it against healthy
// records changes nothing: every write is a compare-and-set on the state it saw.
type Sweeper struct {
	store     store.Store
	cache     cache.Cache
	publisher queue.Publisher
	cfg       config.SweepConfig
	jobs      config.JobsConfig
	now       func() time.Time
}

func NewSweeper(st store.Store, ca cache.Cache, pub queue.Publisher, cfg config.SweepConfig, jobs config.JobsConfig) *Sweeper {
	return &Sweeper{store: st, cache: ca, publisher: pub, cfg: cfg, jobs: jobs, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// RunOnce handles non-terminal jobs without progress for StaleAfter.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := s.now()
	stale, err := s.store.ListStaleJobs(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list stale jobs: %w", err)
	}

	for _, job := range stale {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		policy := s.jobs.Policy(job.Kind)

		switch {
		case job.State == models.JobStateStarted && job.CancelRequested:
			if s.transition(ctx, job, models.JobStateCancelled, nil) {
				rep.Cancelled++
			}

		case job.State != models.JobStatePending &&
			(job.AttemptCount >= job.MaxAttempts || elapsedExceeded(policy, job.StartedAt, now)):
			env := failureEnvelope(taxonomy.JobStalled)
			if s.transition(ctx, job, models.JobStateFailure, env) {
				rep.Failed++
				slog.Error("stalled job force-failed",
					"alert", true, "job_id", job.ID, "kind", job.Kind, "state", job.State,
					"attempt", job.AttemptCount, "max_attempts", job.MaxAttempts)
			}

		case job.State == models.JobStateStarted:
			// The worker holding it is gone: hand the job back to the queue.
			_, err := s.store.TransitionJob(ctx, job.ID,
				[]models.JobState{models.JobStateStarted}, models.JobStateRetry,
				store.WithNextAttemptAt(now))
			if s.skip(job, err) {
				continue
			}
			if s.dispatch(ctx, job) {
				rep.Redispatched++
			}

		default:
			if s.skip(job, s.store.TouchJob(ctx, job.ID, job.State)) {
				continue
			}
			if s.dispatch(ctx, job) {
				rep.Redispatched++
			}
		}
	}

	if len(stale) > 0 {
		slog.Info("sweep finished", "stale", len(stale), "redispatched", rep.Redispatched,
			"failed", rep.Failed, "cancelled", rep.Cancelled)
	}
	return rep, nil
}

// RunArchive cancels PENDING jobs nobody dispatched for AbandonAfter and stamps
// archived_at on jobs that finished more than Retention ago.
func (s *Sweeper) RunArchive(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := s.now()

	abandoned, err := s.store.ListAbandonedJobs(ctx, now.Add(-s.cfg.AbandonAfter), s.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list abandoned jobs: %w", err)
	}
	env := failureEnvelope(taxonomy.JobAbandoned)
	for _, job := range abandoned {
		if s.transition(ctx, job, models.JobStateCancelled, env) {
			rep.Abandoned++
		}
	}

	for {
		n, err := s.store.ArchiveTerminalJobs(ctx, now.Add(-s.cfg.Retention), s.cfg.BatchSize)
		if err != nil {
			return rep, fmt.Errorf("archive jobs: %w", err)
		}
		rep.Archived += n
		if n < int64(s.cfg.BatchSize) || ctx.Err() != nil {
			break
		}
	}

	slog.Info("archive pass finished", "abandoned", rep.Abandoned, "archived", rep.Archived)
	return rep, nil
}

// Start schedules RunOnce and RunArchive on c. Both jobs skip a tick while the
// previous run is still going.
func (s *Sweeper) Start(ctx context.Context, c *cron.Cron) error {
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			slog.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.cfg.Schedule, err)
	}
	if _, err := c.AddFunc(s.cfg.ArchiveSchedule, func() {
		if _, err := s.RunArchive(ctx); err != nil {
			slog.Error("archive pass failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule archive %q: %w", s.cfg.ArchiveSchedule, err)
	}
	c.Start()
	return nil
}

// NewCron builds the scheduler used for the sweep, in the quota timezone so the
// archive pass and the quota day share one calendar.
func NewCron(loc *time.Location) *cron.Cron {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	return cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
}

// cronLogger routes robfig/cron logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func (s *Sweeper) transition(ctx context.Context, job *models.Job, to models.JobState, env json.RawMessage) bool {
	var opts []store.TransitionOption
	if env != nil {
		opts = append(opts, store.WithResult(env))
	}
	updated, err := s.store.TransitionJob(ctx, job.ID, []models.JobState{job.State}, to, opts...)
	if s.skip(job, err) {
		return false
	}
	slog.Info("job transition", "job_id", job.ID, "kind", job.Kind, "from", job.State, "to", to,
		"attempt", job.AttemptCount, "source", "sweep")
	if err := s.cache.SetJobSnapshot(ctx, updated, s.jobs.ResultTTL); err != nil {
		slog.Warn("job snapshot write failed", "job_id", job.ID, "error", err)
	}
	return true
}

// skip reports whether err means the job should be left alone this pass.
func (s *Sweeper) skip(job *models.Job, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrStaleState) || errors.Is(err, store.ErrNotFound) {
		slog.Debug("job progressed during sweep", "job_id", job.ID)
	} else {
		slog.Warn("sweep update failed", "job_id", job.ID, "error", err)
	}
	return true
}

func (s *Sweeper) dispatch(ctx context.Context, job *models.Job) bool {
	if err := s.publisher.Publish(ctx, queue.Message{TaskID: job.ID, Kind: job.Kind}); err != nil {
		slog.Warn("sweep dispatch failed", "job_id", job.ID, "error", err)
		return false
	}
	return true
}

func failureEnvelope(code taxonomy.Code) json.RawMessage {
	data, _ := json.Marshal(taxonomy.New(code, "", language.English))
	return data
}
