package models

import (
	"encoding/json"
	"time"
)

// Payment statuses reported by the gateway.
const (
	PaymentStatusPending           = "pending"
	PaymentStatusWaitingForCapture = "waiting_for_capture"
	PaymentStatusSucceeded         = "succeeded"
	PaymentStatusCanceled          = "canceled"
)

// PaymentStatusRank orders statuses so out-of-order deliveries never regress a payment.
func PaymentStatusRank(status string) int {
	switch status {
	case PaymentStatusPending:
		return 0
	case PaymentStatusWaitingForCapture:
		return 1
	case PaymentStatusSucceeded, PaymentStatusCanceled:
		return 2
	}
	return -1
}

// PaymentEvent is one webhook delivery from the payment gateway, as stored in the
// payload of a payment_event job.
type PaymentEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	PaymentID string          `json:"payment_id"`
	Status    string          `json:"status"`
	Amount    string          `json:"amount"`
	Currency  string          `json:"currency"`
	OwnerID   string          `json:"owner_id,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Payment is the ledger row for one gateway payment.
type Payment struct {
	ID          string    `db:"id"            json:"id"`
	OwnerID     string    `db:"owner_id"      json:"owner_id,omitempty"`
	Status      string    `db:"status"        json:"status"`
	Amount      string    `db:"amount"        json:"amount"`
	Currency    string    `db:"currency"      json:"currency"`
	LastEventID string    `db:"last_event_id" json:"last_event_id"`
	CreatedAt   time.Time `db:"created_at"    json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"    json:"updated_at"`
}

// PaymentApplyResult is the domain result written to a payment_event job envelope.
type PaymentApplyResult struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Applied   bool   `json:"applied"`
}
