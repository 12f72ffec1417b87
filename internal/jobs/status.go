package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcore/internal/cache"
	"github.com/kiranshivaraju/jobcore/internal/store"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"github.com/kiranshivaraju/jobcore/pkg/models"
)

// Client-facing status values.
const (
	StatusProcessing = "processing"
	StatusDone       = "done"
)

// View is the client-visible state of a job.
type View struct {
	TaskID            uuid.UUID          `json:"task_id"`
	Kind              string             `json:"kind"`
	State             models.JobState    `json:"state"`
	Status            string             `json:"status"`
	AttemptCount      int                `json:"attempt_count"`
	MaxAttempts       int                `json:"max_attempts"`
	Result            json.RawMessage    `json:"result,omitempty"`
	Error             *taxonomy.Response `json:"error,omitempty"`
	RetryAfterSeconds *int               `json:"retry_after_seconds,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// CancelResult reports what a cancellation request did.
type CancelResult struct {
	TaskID  uuid.UUID       `json:"task_id"`
	State   models.JobState `json:"state"`
	Outcome string          `json:"outcome"`
}

// StatusService answers status polls and cancellation requests. A task that
// exists but belongs to someone else is reported exactly like a missing one.
type StatusService struct {
	store     store.Store
	cache     cache.Cache
	resultTTL time.Duration
	now       func() time.Time
}

func NewStatusService(st store.Store, ca cache.Cache, resultTTL time.Duration) *StatusService {
	return &StatusService{store: st, cache: ca, resultTTL: resultTTL, now: time.Now}
}

// GetStatus returns the view of taskID for callerID.
func (s *StatusService) GetStatus(ctx context.Context, taskID uuid.UUID, callerID string) (*View, *taxonomy.Response) {
	job, resp := s.load(ctx, taskID, callerID)
	if resp != nil {
		return nil, resp
	}
	return s.view(ctx, job), nil
}

// load reads a finished job from the snapshot cache and anything else from the
// store, refreshing the snapshot.
func (s *StatusService) load(ctx context.Context, taskID uuid.UUID, callerID string) (*models.Job, *taxonomy.Response) {
	snap, found, err := s.cache.GetJobSnapshot(ctx, taskID)
	if err != nil {
		slog.Warn("job snapshot read failed", "job_id", taskID, "error", err)
	}
	if found && snap.State.Terminal() && snap.ArchivedAt == nil {
		if !snap.OwnedBy(callerID) {
			return nil, taxonomy.NewFor(ctx, taxonomy.TaskNotFound)
		}
		return snap, nil
	}

	job, err := s.store.GetJob(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, taxonomy.NewFor(ctx, taxonomy.TaskNotFound)
	}
	if err != nil {
		slog.Error("job read failed", "job_id", taskID, "error", err)
		return nil, taxonomy.NewFor(ctx, taxonomy.ServiceDegraded)
	}
	if !job.OwnedBy(callerID) || job.ArchivedAt != nil {
		return nil, taxonomy.NewFor(ctx, taxonomy.TaskNotFound)
	}
	if err := s.cache.SetJobSnapshot(ctx, job, s.resultTTL); err != nil {
		slog.Warn("job snapshot write failed", "job_id", job.ID, "error", err)
	}
	return job, nil
}

func (s *StatusService) view(ctx context.Context, job *models.Job) *View {
	v := &View{
		TaskID:       job.ID,
		Kind:         job.Kind,
		State:        job.State,
		Status:       StatusProcessing,
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.State == models.JobStateRetry {
		secs := 1
		if job.NextAttemptAt != nil {
			if wait := job.NextAttemptAt.Sub(s.now()); wait > time.Second {
				secs = int(math.Ceil(wait.Seconds()))
			}
		}
		v.RetryAfterSeconds = &secs
	}
	if !job.State.Terminal() {
		return v
	}

	v.Status = StatusDone
	if len(job.ResultEnvelope) == 0 {
		return v
	}
	if job.State == models.JobStateSuccess {
		v.Result = job.ResultEnvelope
		return v
	}
	var resp taxonomy.Response
	if err := json.Unmarshal(job.ResultEnvelope, &resp); err != nil || resp.ErrorCode == "" {
		slog.Error("unreadable failure envelope", "job_id", job.ID, "error", err)
		v.Error = taxonomy.NewFor(ctx, taxonomy.InternalError)
		return v
	}
	v.Error = resp.Localize(taxonomy.Locale(ctx))
	return v
}

// Cancel cancels taskID on behalf of callerID. It is idempotent: repeating a
// clientCancelID returns the outcome recorded the first time, and cancelling a
// finished job succeeds without changing it. Every request is audited.
func (s *StatusService) Cancel(ctx context.Context, taskID uuid.UUID, callerID, clientCancelID string) (*CancelResult, *taxonomy.Response) {
	clientCancelID = strings.TrimSpace(clientCancelID)
	if clientCancelID == "" || len(clientCancelID) > 128 {
		return nil, taxonomy.NewFor(ctx, taxonomy.ForField("client_cancel_id"))
	}

	job, err := s.store.GetJob(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, taxonomy.NewFor(ctx, taxonomy.TaskNotFound)
	}
	if err != nil {
		slog.Error("job read failed", "job_id", taskID, "error", err)
		return nil, taxonomy.NewFor(ctx, taxonomy.ServiceDegraded)
	}
	if !job.OwnedBy(callerID) || job.ArchivedAt != nil {
		return nil, taxonomy.NewFor(ctx, taxonomy.TaskNotFound)
	}
	stateAtRequest := job.State

	outcome, job, err := s.applyCancel(ctx, job)
	if err != nil {
		slog.Error("cancel failed", "job_id", taskID, "error", err)
		return nil, taxonomy.NewFor(ctx, taxonomy.ServiceDegraded)
	}

	ev, created, err := s.store.RecordCancellation(ctx, &models.CancellationEvent{
		ID:             uuid.New(),
		TaskID:         taskID,
		CallerID:       callerID,
		ClientCancelID: clientCancelID,
		Outcome:        outcome,
		StateAtRequest: stateAtRequest,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		slog.Error("recording cancellation failed", "job_id", taskID, "error", err)
		return nil, taxonomy.NewFor(ctx, taxonomy.ServiceDegraded)
	}
	if !created {
		outcome = ev.Outcome
	}
	slog.Info("cancellation", "job_id", taskID, "outcome", outcome, "client_cancel_id", clientCancelID, "replayed", !created)

	if err := s.cache.SetJobSnapshot(ctx, job, s.resultTTL); err != nil {
		slog.Warn("job snapshot write failed", "job_id", job.ID, "error", err)
	}
	return &CancelResult{TaskID: job.ID, State: job.State, Outcome: outcome}, nil
}

// applyCancel retries when a worker moves the job between our read and write.
func (s *StatusService) applyCancel(ctx context.Context, job *models.Job) (string, *models.Job, error) {
	for i := 0; i < 3; i++ {
		var (
			updated *models.Job
			err     error
			outcome string
		)
		switch job.State {
		case models.JobStatePending, models.JobStateRetry:
			updated, err = s.store.TransitionJob(ctx, job.ID,
				[]models.JobState{models.JobStatePending, models.JobStateRetry}, models.JobStateCancelled)
			outcome = models.CancelOutcomeApplied
		case models.JobStateStarted:
			if job.CancelRequested {
				return models.CancelOutcomeRequested, job, nil
			}
			updated, err = s.store.RequestCancel(ctx, job.ID)
			outcome = models.CancelOutcomeRequested
		default:
			return models.CancelOutcomeAlreadyTerminal, job, nil
		}
		if err == nil {
			return outcome, updated, nil
		}
		if !errors.Is(err, store.ErrStaleState) {
			return "", nil, err
		}
		if job, err = s.store.GetJob(ctx, job.ID); err != nil {
			return "", nil, err
		}
	}
	return "", nil, errors.New("job state kept changing")
}
