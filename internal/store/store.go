package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcore/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStaleState is returned by compare-and-set updates when the row is no longer
// in one of the expected states.
var ErrStaleState = errors.New("job state changed concurrently")

// ErrInvalidTransition is returned when the requested edge is not part of the job state machine.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error

	// CreateJob inserts a new job. Returns ErrDuplicateKey when (owner_id, kind, dedup_key)
	// already exists.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobByDedupKey(ctx context.Context, ownerID, kind, dedupKey string) (*models.Job, error)
	// TransitionJob moves a job to state to only if it is currently in one of from.
	// Returns the updated row, ErrNotFound or ErrStaleState.
	TransitionJob(ctx context.Context, id uuid.UUID, from []models.JobState, to models.JobState, opts ...TransitionOption) (*models.Job, error)
	// RequestCancel sets cancel_requested on a STARTED job. Returns ErrStaleState otherwise.
	RequestCancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// TouchJob bumps updated_at if the job is still in state.
	TouchJob(ctx context.Context, id uuid.UUID, state models.JobState) error
	// ListStaleJobs returns non-terminal jobs without progress since before.
	ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]*models.Job, error)
	// ListAbandonedJobs returns PENDING jobs created before before.
	ListAbandonedJobs(ctx context.Context, before time.Time, limit int) ([]*models.Job, error)
	// ArchiveTerminalJobs stamps archived_at on terminal jobs completed before before.
	ArchiveTerminalJobs(ctx context.Context, before time.Time, limit int) (int64, error)

	// RecordCancellation inserts an audit row. A repeated (task_id, client_cancel_id)
	// returns the original row and created=false.
	RecordCancellation(ctx context.Context, ev *models.CancellationEvent) (*models.CancellationEvent, bool, error)

	// ApplyPaymentEvent records the gateway event and advances the payment ledger
	// in one transaction. Replays and status regressions leave the ledger unchanged.
	ApplyPaymentEvent(ctx context.Context, ev *models.PaymentEvent) (*models.PaymentApplyResult, error)
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
}

// NonTerminalStates are the states the sweep inspects.
var NonTerminalStates = []models.JobState{models.JobStatePending, models.JobStateStarted, models.JobStateRetry}

// TerminalStates are the states that never change again.
var TerminalStates = []models.JobState{models.JobStateSuccess, models.JobStateFailure, models.JobStateCancelled}

type transitionParams struct {
	IncrementAttempt bool
	Result           json.RawMessage
	NextAttemptAt    *time.Time
}

type TransitionOption func(*transitionParams)

// IncrementAttempt counts the transition as a new dispatch.
func IncrementAttempt() TransitionOption {
	return func(p *transitionParams) {
		p.IncrementAttempt = true
	}
}

// WithResult stores the result envelope written with the transition.
func WithResult(envelope json.RawMessage) TransitionOption {
	return func(p *transitionParams) {
		p.Result = envelope
	}
}

// WithNextAttemptAt records when a RETRY job is due for redispatch.
func WithNextAttemptAt(t time.Time) TransitionOption {
	return func(p *transitionParams) {
		p.NextAttemptAt = &t
	}
}

func checkTransition(from []models.JobState, to models.JobState) error {
	if len(from) == 0 {
		return ErrInvalidTransition
	}
	for _, f := range from {
		if !models.CanTransition(f, to) {
			return ErrInvalidTransition
		}
	}
	return nil
}

func stateStrings(states []models.JobState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
