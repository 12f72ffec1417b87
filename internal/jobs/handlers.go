package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/jobcore/internal/ai"
	"github.com/kiranshivaraju/jobcore/internal/objectstore"
	"github.com/kiranshivaraju/jobcore/internal/payments"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"github.com/kiranshivaraju/jobcore/pkg/models"
)

// RecognitionHandler loads the submitted image and runs AI recognition on it.
type RecognitionHandler struct {
	blobs   objectstore.Store
	service *ai.RecognitionService
}

func NewRecognitionHandler(blobs objectstore.Store, service *ai.RecognitionService) *RecognitionHandler {
	return &RecognitionHandler{blobs: blobs, service: service}
}

func (h *RecognitionHandler) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var p models.RecognitionPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.ObjectKey == "" {
		return nil, Permanent(taxonomy.CorruptPayload, fmt.Errorf("decode recognition payload: %v", err))
	}

	image, err := h.blobs.Get(ctx, p.ObjectKey)
	if err != nil {
		return nil, err
	}

	rec, err := h.service.Recognize(ctx, models.RecognitionRequest{
		Image:       image,
		ContentType: p.ContentType,
		Locale:      p.Locale,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// PaymentEventHandler applies a stored webhook event to the payment ledger.
type PaymentEventHandler struct {
	processor *payments.Processor
}

func NewPaymentEventHandler(processor *payments.Processor) *PaymentEventHandler {
	return &PaymentEventHandler{processor: processor}
}

func (h *PaymentEventHandler) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var ev models.PaymentEvent
	if err := json.Unmarshal(job.Payload, &ev); err != nil || ev.EventID == "" || ev.PaymentID == "" {
		return nil, Permanent(taxonomy.InvalidWebhookEvent, fmt.Errorf("decode payment event: %v", err))
	}

	res, err := h.processor.Apply(ctx, &ev)
	if err != nil {
		return nil, Transient(taxonomy.StorageUnavailable, err)
	}
	return json.Marshal(res)
}
