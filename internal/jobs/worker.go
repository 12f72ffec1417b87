// Package jobs implements the asynchronous job lifecycle: submission, the worker
// state machine, status and cancellation, and the reliable-delivery sweep.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/kiranshivaraju/jobcore/internal/cache"
	"github.com/kiranshivaraju/jobcore/internal/config"
	"github.com/kiranshivaraju/jobcore/internal/queue"
	"github.com/kiranshivaraju/jobcore/internal/store"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"github.com/kiranshivaraju/jobcore/pkg/models"
	"golang.org/x/text/language"
)

// Handler executes one attempt of a job kind. The returned JSON becomes the
// SUCCESS result envelope. ctx carries the per-attempt timeout.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *models.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// earlyTolerance is how early a RETRY delivery may arrive before it is re-delayed.
const earlyTolerance = 500 * time.Millisecond

// Worker consumes dispatch messages and drives jobs through the state machine.
// Every transition is a compare-and-set, so redelivered or duplicated messages
// never run a job twice concurrently.
type Worker struct {
	store     store.Store
	cache     cache.Cache
	publisher queue.Publisher
	handlers  map[string]Handler
	cfg       config.JobsConfig
	debug     bool

	now  func() time.Time
	rand func() float64
}

// NewWorker creates a Worker. debug attaches error details to failure envelopes
// and must be false in production.
func NewWorker(st store.Store, ca cache.Cache, pub queue.Publisher, cfg config.JobsConfig, handlers map[string]Handler, debug bool) *Worker {
	return &Worker{
		store:     st,
		cache:     ca,
		publisher: pub,
		handlers:  handlers,
		cfg:       cfg,
		debug:     debug,
		now:       time.Now,
		rand:      rand.Float64,
	}
}

// Run consumes from c until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, c queue.Consumer) error {
	return c.Consume(ctx, w.Process)
}

// Process handles one delivery. A returned error sends the message back to the
// queue; it is only used when the job store itself is unreachable.
func (w *Worker) Process(ctx context.Context, msg queue.Message) error {
	job, err := w.store.GetJob(ctx, msg.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("dispatch for unknown job dropped", "job_id", msg.TaskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", msg.TaskID, err)
	}

	switch {
	case job.State.Terminal():
		slog.Debug("duplicate dispatch for finished job", "job_id", job.ID, "state", job.State)
		return nil
	case job.State == models.JobStateStarted:
		// Another worker owns the attempt. A crashed owner is recovered by the sweep.
		slog.Debug("dispatch for running job ignored", "job_id", job.ID)
		return nil
	}

	policy := w.cfg.Policy(job.Kind)
	now := w.now()

	if job.State == models.JobStateRetry && job.NextAttemptAt != nil {
		if wait := job.NextAttemptAt.Sub(now); wait > earlyTolerance {
			if err := w.publisher.PublishDelayed(ctx, queue.Message{TaskID: job.ID, Kind: job.Kind}, wait); err != nil {
				slog.Warn("re-delaying early dispatch failed", "job_id", job.ID, "error", err)
			}
			return nil
		}
	}

	if job.State == models.JobStateRetry &&
		(job.AttemptCount >= job.MaxAttempts || elapsedExceeded(policy, job.StartedAt, now)) {
		w.failExhausted(ctx, job)
		return nil
	}

	started, err := w.store.TransitionJob(ctx, job.ID,
		[]models.JobState{models.JobStatePending, models.JobStateRetry},
		models.JobStateStarted, store.IncrementAttempt())
	if errors.Is(err, store.ErrStaleState) || errors.Is(err, store.ErrNotFound) {
		slog.Debug("lost dispatch race", "job_id", job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("start job %s: %w", job.ID, err)
	}
	w.logTransition(started, job.State)
	w.snapshot(ctx, started)

	handler, ok := w.handlers[started.Kind]
	if !ok {
		slog.Error("no handler for job kind", "job_id", started.ID, "kind", started.Kind)
		w.finish(ctx, started, models.JobStateFailure,
			w.envelope(taxonomy.InternalError, fmt.Errorf("no handler for kind %q", started.Kind)))
		return nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
	result, herr := handler.Handle(attemptCtx, started)
	cancel()

	if ctx.Err() != nil {
		// Shutting down mid-attempt: leave the job STARTED for the sweep.
		return nil
	}

	current, err := w.store.GetJob(ctx, started.ID)
	if err == nil && current.State != models.JobStateStarted {
		slog.Info("job moved while running, result dropped",
			"job_id", started.ID, "state", current.State, "attempt", started.AttemptCount)
		return nil
	}
	if err == nil && current.CancelRequested {
		w.finish(ctx, started, models.JobStateCancelled, nil)
		return nil
	}

	if herr == nil {
		w.finish(ctx, started, models.JobStateSuccess, result)
		return nil
	}

	code, transient := Classify(herr)
	env := w.envelope(code, herr)
	slog.Warn("job attempt failed",
		"job_id", started.ID, "kind", started.Kind, "attempt", started.AttemptCount,
		"error_code", code.String(), "transient", transient, "error", herr)

	if transient && started.AttemptCount < started.MaxAttempts {
		delay := Backoff(policy, started.AttemptCount, w.rand)
		if fitsElapsed(policy, started.StartedAt, w.now(), delay) {
			w.scheduleRetry(ctx, started, delay, env)
			return nil
		}
	}
	w.finish(ctx, started, models.JobStateFailure, env)
	return nil
}

// envelope builds the ErrorResponse stored on failure. Texts are stored in English
// and localised when read.
func (w *Worker) envelope(code taxonomy.Code, err error) json.RawMessage {
	resp := taxonomy.New(code, "", language.English).WithDebug(w.debug, err.Error())
	data, _ := json.Marshal(resp)
	return data
}

func (w *Worker) scheduleRetry(ctx context.Context, job *models.Job, delay time.Duration, env json.RawMessage) {
	next := w.now().Add(delay)
	retry, err := w.store.TransitionJob(ctx, job.ID,
		[]models.JobState{models.JobStateStarted}, models.JobStateRetry,
		store.WithNextAttemptAt(next), store.WithResult(env))
	if err != nil {
		slog.Warn("scheduling retry failed", "job_id", job.ID, "error", err)
		return
	}
	w.logTransition(retry, models.JobStateStarted)
	w.snapshot(ctx, retry)

	if err := w.publisher.PublishDelayed(ctx, queue.Message{TaskID: job.ID, Kind: job.Kind}, delay); err != nil {
		slog.Warn("retry dispatch failed, sweep will redeliver", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) finish(ctx context.Context, job *models.Job, to models.JobState, env json.RawMessage) {
	var opts []store.TransitionOption
	if env != nil {
		opts = append(opts, store.WithResult(env))
	}
	done, err := w.store.TransitionJob(ctx, job.ID, []models.JobState{job.State}, to, opts...)
	if err != nil {
		slog.Warn("final transition failed", "job_id", job.ID, "to", to, "error", err)
		return
	}
	w.logTransition(done, job.State)
	w.snapshot(ctx, done)
}

// failExhausted ends a RETRY job that has no attempts or time left, keeping the
// last recorded error when there is one.
func (w *Worker) failExhausted(ctx context.Context, job *models.Job) {
	env := job.ResultEnvelope
	if len(env) == 0 {
		env = w.envelope(taxonomy.JobStalled, errors.New("retry budget exhausted"))
	}
	w.finish(ctx, job, models.JobStateFailure, env)
}

func (w *Worker) logTransition(job *models.Job, from models.JobState) {
	var elapsed int64
	if job.StartedAt != nil {
		elapsed = w.now().Sub(*job.StartedAt).Milliseconds()
	}
	slog.Info("job transition",
		"job_id", job.ID, "kind", job.Kind, "from", from, "to", job.State,
		"attempt", job.AttemptCount, "elapsed_ms", elapsed)
}

func (w *Worker) snapshot(ctx context.Context, job *models.Job) {
	if err := w.cache.SetJobSnapshot(ctx, job, w.cfg.ResultTTL); err != nil {
		slog.Warn("job snapshot write failed", "job_id", job.ID, "error", err)
	}
}
