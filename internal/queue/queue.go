// Package queue carries job dispatch messages from the submission gate and the
// sweep to workers. Delivery is at-least-once; workers tolerate duplicates.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when publishing on a queue that has been shut down.
var ErrClosed = errors.New("queue closed")

// Message is the body of one dispatch. It only references the job; the job
// record is the source of truth.
type Message struct {
	TaskID uuid.UUID `json:"task_id"`
	Kind   string    `json:"kind"`
}

// Publisher enqueues dispatch messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	// PublishDelayed makes msg visible to consumers after delay.
	PublishDelayed(ctx context.Context, msg Message, delay time.Duration) error
}

// Handler processes one delivery. A nil error acknowledges it; an error
// returns it to the queue for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Consumer delivers messages to a Handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}
