package handler

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/jobcore/internal/api/response"
	"github.com/kiranshivaraju/jobcore/internal/jobs"
	"github.com/kiranshivaraju/jobcore/internal/payments"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"github.com/kiranshivaraju/jobcore/pkg/models"
)

const (
	WebhookTokenHeader = "X-Webhook-Token"
	maxWebhookBody     = 64 << 10
)

type webhookAck struct {
	TaskID    string `json:"task_id"`
	Duplicate bool   `json:"duplicate"`
}

// NewPaymentWebhookHandler returns an http.HandlerFunc for POST /api/v1/webhooks/payments.
// It only records the event as a job; the worker applies it. A 2xx answer tells the
// gateway to stop redelivering, so it is sent only once the job is durable.
// An empty token disables the shared-secret check (development).
func NewPaymentWebhookHandler(gate Submitter, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(WebhookTokenHeader)), []byte(token)) != 1 {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.Unauthenticated))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil || len(body) > maxWebhookBody {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.ForField("event")))
			return
		}
		ev, err := payments.ParseEvent(body)
		if err != nil {
			slog.Warn("webhook rejected", "error", err)
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.ForField("event")))
			return
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.InternalError))
			return
		}

		acc, resp := gate.Submit(ctx, jobs.SubmitRequest{
			Kind:     models.JobKindPaymentEvent,
			DedupKey: ev.EventID,
			Payload:  payload,
		})
		if resp != nil {
			response.Error(w, resp)
			return
		}
		slog.Info("webhook accepted", "event_id", ev.EventID, "task_id", acc.TaskID, "duplicate", acc.Duplicate)
		response.JSON(w, webhookAck{TaskID: acc.TaskID.String(), Duplicate: acc.Duplicate})
	}
}
