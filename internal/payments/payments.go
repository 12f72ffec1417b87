// Package payments parses payment-gateway webhook deliveries and applies them
// to the payment ledger.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/jobcore/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidEvent is returned for webhook bodies that fail structural validation.
var ErrInvalidEvent = errors.New("invalid payment event")

const eventSchemaURL = "payment-event.json"

const eventSchemaJSON = `{
  "type": "object",
  "required": ["event", "object"],
  "properties": {
    "event_id": {"type": "string", "pattern": "^[A-Za-z0-9._:-]{1,128}$"},
    "event":    {"type": "string", "pattern": "^payment\\.[a-z_]+$"},
    "object": {
      "type": "object",
      "required": ["id", "status"],
      "properties": {
        "id":     {"type": "string", "pattern": "^[A-Za-z0-9._:-]{1,100}$"},
        "status": {"enum": ["pending", "waiting_for_capture", "succeeded", "canceled"]},
        "amount": {
          "type": "object",
          "required": ["value", "currency"],
          "properties": {
            "value":    {"type": "string", "pattern": "^[0-9]+(\\.[0-9]{1,2})?$"},
            "currency": {"type": "string", "pattern": "^[A-Z]{3}$"}
          }
        },
        "metadata": {
          "type": "object",
          "properties": {"owner_id": {"type": "string"}}
        }
      }
    }
  }
}`

var eventSchema = func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(eventSchemaURL, doc); err != nil {
		panic(err)
	}
	return c.MustCompile(eventSchemaURL)
}()

type webhookBody struct {
	EventID string `json:"event_id"`
	Event   string `json:"event"`
	Object  struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		Metadata struct {
			OwnerID string `json:"owner_id"`
		} `json:"metadata"`
	} `json:"object"`
}

// ParseEvent validates a webhook body and converts it into a PaymentEvent.
// Gateways that send no event id get one derived from payment id and status,
// so a redelivered notification maps onto the same id.
func ParseEvent(body []byte) (*models.PaymentEvent, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := eventSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	id := wb.EventID
	if id == "" {
		id = wb.Object.ID + ":" + wb.Object.Status
	}
	return &models.PaymentEvent{
		EventID:   id,
		Type:      wb.Event,
		PaymentID: wb.Object.ID,
		Status:    wb.Object.Status,
		Amount:    wb.Object.Amount.Value,
		Currency:  wb.Object.Amount.Currency,
		OwnerID:   wb.Object.Metadata.OwnerID,
		Raw:       json.RawMessage(append([]byte(nil), body...)),
	}, nil
}

// Ledger is the storage the Processor writes to. store.Store satisfies it.
type Ledger interface {
	ApplyPaymentEvent(ctx context.Context, ev *models.PaymentEvent) (*models.PaymentApplyResult, error)
}

// Processor applies payment events to the ledger. Applying the same event twice,
// or an event older than the current status, changes nothing.
type Processor struct {
	ledger Ledger
}

func NewProcessor(ledger Ledger) *Processor {
	return &Processor{ledger: ledger}
}

func (p *Processor) Apply(ctx context.Context, ev *models.PaymentEvent) (*models.PaymentApplyResult, error) {
	res, err := p.ledger.ApplyPaymentEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("apply payment event %s: %w", ev.EventID, err)
	}
	if res.Applied {
		slog.Info("payment event applied",
			"event_id", ev.EventID, "payment_id", ev.PaymentID, "status", res.Status)
	} else {
		slog.Info("payment event ignored",
			"event_id", ev.EventID, "payment_id", ev.PaymentID,
			"event_status", ev.Status, "current_status", res.Status)
	}
	return res, nil
}
