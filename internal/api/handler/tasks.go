package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/jobcore/internal/api/middleware"
	"github.com/kiranshivaraju/jobcore/internal/api/response"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
)

// NewGetTaskHandler returns an http.HandlerFunc for GET /api/v1/tasks/{taskID}.
func NewGetTaskHandler(tasks TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.Unauthenticated))
			return
		}
		taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
		if err != nil {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.ForField("task_id")))
			return
		}

		view, resp := tasks.GetStatus(ctx, taskID, ownerID)
		if resp != nil {
			response.Error(w, resp)
			return
		}
		if view.RetryAfterSeconds != nil {
			response.RetryAfter(w, *view.RetryAfterSeconds)
		}
		response.JSON(w, view)
	}
}

// NewCancelTaskHandler returns an http.HandlerFunc for POST /api/v1/tasks/{taskID}/cancel.
// The body carries client_cancel_id; the Idempotency-Key header is accepted instead.
func NewCancelTaskHandler(tasks TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.Unauthenticated))
			return
		}
		taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
		if err != nil {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.ForField("task_id")))
			return
		}

		var req struct {
			ClientCancelID string `json:"client_cancel_id"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil && err != io.EOF {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.InvalidRequest))
			return
		}
		if req.ClientCancelID == "" {
			req.ClientCancelID = r.Header.Get(IdempotencyKeyHeader)
		}

		res, resp := tasks.Cancel(ctx, taskID, ownerID, req.ClientCancelID)
		if resp != nil {
			response.Error(w, resp)
			return
		}
		response.JSON(w, res)
	}
}
