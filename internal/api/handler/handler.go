// Package handler holds the HTTP handlers of the jobcore API. Handlers translate
// between HTTP and the jobs services; every error body is a taxonomy response.
package handler

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcore/internal/jobs"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
)

// Submitter accepts new work. *jobs.Gate satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Accepted, *taxonomy.Response)
}

// TaskService answers status polls and cancellations. *jobs.StatusService satisfies it.
type TaskService interface {
	GetStatus(ctx context.Context, taskID uuid.UUID, callerID string) (*jobs.View, *taxonomy.Response)
	Cancel(ctx context.Context, taskID uuid.UUID, callerID, clientCancelID string) (*jobs.CancelResult, *taxonomy.Response)
}

// SweepRunner runs one reliable-delivery pass. *jobs.Sweeper satisfies it.
type SweepRunner interface {
	RunOnce(ctx context.Context) (jobs.SweepReport, error)
}
