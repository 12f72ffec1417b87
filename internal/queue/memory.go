package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue implements Publisher and Consumer in process. It backs the embedded
// development worker and tests. Messages are lost on restart; the sweep re-dispatches.
type MemoryQueue struct {
	ch          chan Message
	concurrency int
	retryDelay  time.Duration

	mu         sync.Mutex
	closed     bool
	publishErr error
	published  []Message
	timers     []*time.Timer
}

// NewMemoryQueue creates a queue holding up to buffer pending messages and running
// up to concurrency handlers at once.
func NewMemoryQueue(buffer, concurrency int) *MemoryQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &MemoryQueue{
		ch:          make(chan Message, buffer),
		concurrency: concurrency,
		retryDelay:  100 * time.Millisecond,
	}
}

// FailPublishes makes every following publish return err; nil restores normal operation.
func (q *MemoryQueue) FailPublishes(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publishErr = err
}

// Published returns every message accepted so far, including delayed ones.
func (q *MemoryQueue) Published() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.published...)
}

// Pending is the number of messages waiting for a consumer.
func (q *MemoryQueue) Pending() int {
	return len(q.ch)
}

func (q *MemoryQueue) accept(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, msg)
	return nil
}

func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	if err := q.accept(msg); err != nil {
		return err
	}
	return q.enqueue(ctx, msg)
}

func (q *MemoryQueue) enqueue(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) PublishDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, msg)
	}
	if err := q.accept(msg); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timers = append(q.timers, time.AfterFunc(delay, func() {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.ch <- msg:
		default:
			slog.Warn("memory queue full, dropping delayed message", "task_id", msg.TaskID)
		}
	}))
	return nil
}

// Consume runs h for each message until ctx is done. Failed messages are
// redelivered after a short delay.
func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	sem := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q.ch:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func(msg Message) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := h(ctx, msg); err != nil {
					slog.Warn("handler failed, requeueing", "task_id", msg.TaskID, "error", err)
					time.AfterFunc(q.retryDelay, func() {
						select {
						case q.ch <- msg:
						default:
						}
					})
				}
			}(msg)
		}
	}
}

// Ping fails once the queue is closed.
func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close stops accepting messages and cancels pending delayed deliveries.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	return nil
}
