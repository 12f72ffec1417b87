package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a JobRecord.
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateStarted   JobState = "STARTED"
	JobStateRetry     JobState = "RETRY"
	JobStateSuccess   JobState = "SUCCESS"
	JobStateFailure   JobState = "FAILURE"
	JobStateCancelled JobState = "CANCELLED"
)

// Job kinds.
const (
	JobKindRecognition  = "recognition"
	JobKindPaymentEvent = "payment_event"
)

// Terminal reports whether no transition may leave s.
func (s JobState) Terminal() bool {
	return s == JobStateSuccess || s == JobStateFailure || s == JobStateCancelled
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateStarted, JobStateRetry,
		JobStateSuccess, JobStateFailure, JobStateCancelled:
		return true
	}
	return false
}

// validTransitions lists the legal successors of every non-terminal state.
// RETRY -> FAILURE is used by the sweep when attempts are exhausted, and
// RETRY -> CANCELLED because a job waiting for backoff has not started.
var validTransitions = map[JobState][]JobState{
	JobStatePending: {JobStateStarted, JobStateCancelled},
	JobStateStarted: {JobStateRetry, JobStateFailure, JobStateSuccess, JobStateCancelled},
	JobStateRetry:   {JobStateStarted, JobStateCancelled, JobStateFailure},
}

// CanTransition reports whether from -> to is a legal edge of the job state machine.
func CanTransition(from, to JobState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Predecessors returns every state that may legally move to to.
func Predecessors(to JobState) []JobState {
	var out []JobState
	for _, from := range []JobState{JobStatePending, JobStateStarted, JobStateRetry} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Job is one accepted unit of asynchronous work: an AI recognition request or an
// inbound payment webhook event. OwnerID is empty for system-internal jobs.
type Job struct {
	ID              uuid.UUID       `db:"id"               json:"id"`
	Kind            string          `db:"kind"             json:"kind"`
	OwnerID         string          `db:"owner_id"         json:"owner_id,omitempty"`
	DedupKey        string          `db:"dedup_key"        json:"dedup_key"`
	State           JobState        `db:"state"            json:"state"`
	AttemptCount    int             `db:"attempt_count"    json:"attempt_count"`
	MaxAttempts     int             `db:"max_attempts"     json:"max_attempts"`
	Payload         json.RawMessage `db:"payload"          json:"payload,omitempty"`
	ResultEnvelope  json.RawMessage `db:"result_envelope"  json:"result_envelope,omitempty"`
	CancelRequested bool            `db:"cancel_requested" json:"cancel_requested"`
	NextAttemptAt   *time.Time      `db:"next_attempt_at"  json:"next_attempt_at,omitempty"`
	StartedAt       *time.Time      `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
	ArchivedAt      *time.Time      `db:"archived_at"      json:"archived_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"       json:"updated_at"`
}

// OwnedBy reports whether callerID may read or cancel the job.
// System jobs (empty owner) are never owned by an external caller.
func (j *Job) OwnedBy(callerID string) bool {
	return j.OwnerID != "" && j.OwnerID == callerID
}

// CancellationEvent is the audit row written for every cancellation request,
// including requests that found the job already finished.
type CancellationEvent struct {
	ID             uuid.UUID `db:"id"               json:"id"`
	TaskID         uuid.UUID `db:"task_id"          json:"task_id"`
	CallerID       string    `db:"caller_id"        json:"caller_id"`
	ClientCancelID string    `db:"client_cancel_id" json:"client_cancel_id"`
	Outcome        string    `db:"outcome"          json:"outcome"`
	StateAtRequest JobState  `db:"state_at_request" json:"state_at_request"`
	CreatedAt      time.Time `db:"created_at"       json:"created_at"`
}

const (
	CancelOutcomeApplied         = "applied"
	CancelOutcomeRequested       = "requested"
	CancelOutcomeAlreadyTerminal = "already_terminal"
)
