package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kiranshivaraju/jobcore/internal/config"
)

const workRoutingKey = "work"

// ErrUnroutable is returned when the broker accepted a publish but no queue took it.
var ErrUnroutable = errors.New("message not routed to any queue")

var errAMQPClosed = errors.New("amqp connection closed")

// ErrNacked is returned when the broker refused to take responsibility for a publish.
var ErrNacked = errors.New("publish not confirmed by broker")

// RabbitQueue implements Publisher and Consumer on RabbitMQ. Immediate messages go
// through a durable direct exchange into the work queue. Delayed messages wait in a
// per-delay retry queue whose TTL dead-letters them back into the exchange.
//
// Publishes are mandatory and confirmed, so a lost message surfaces as an error
// instead of disappearing.
type RabbitQueue struct {
	conn *amqp.Connection
	cfg  config.AMQPConfig

	mu      sync.Mutex
	pub     *amqp.Channel
	returns chan amqp.Return
}

// Dial opens an AMQP connection.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	return conn, nil
}

// NewRabbitQueue declares the topology and returns a ready queue.
func NewRabbitQueue(conn *amqp.Connection, cfg config.AMQPConfig) (*RabbitQueue, error) {
	if cfg.RetryQueueIdle <= 0 {
		cfg.RetryQueueIdle = time.Minute
	}
	q := &RabbitQueue{conn: conn, cfg: cfg}

	q.mu.Lock()
	defer q.mu.Unlock()
	ch, err := q.channel()
	if err != nil {
		return nil, err
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.WorkQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare work queue: %w", err)
	}
	if err := ch.QueueBind(cfg.WorkQueue, workRoutingKey, cfg.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind work queue: %w", err)
	}
	return q, nil
}

// channel returns the publishing channel, opening a new one when the previous
// channel was closed by a broker error. Must be called with mu held.
func (q *RabbitQueue) channel() (*amqp.Channel, error) {
	if q.pub != nil && !q.pub.IsClosed() {
		return q.pub, nil
	}
	if q.pub != nil {
		slog.Warn("amqp publish channel closed, reopening")
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	q.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	q.pub = ch
	return ch, nil
}

// drainReturns drops returns left over from a publish whose confirm wait was
// abandoned. Must be called with mu held.
func (q *RabbitQueue) drainReturns() {
	for {
		select {
		case _, ok := <-q.returns:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Ping reports whether the connection and the publishing channel are usable.
func (q *RabbitQueue) Ping(ctx context.Context) error {
	if q.conn.IsClosed() {
		return errAMQPClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.channel()
	return err
}

func (q *RabbitQueue) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.publish(ctx, q.cfg.Exchange, workRoutingKey, body)
}

func (q *RabbitQueue) PublishDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, msg)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	// Whole seconds keep the number of retry queues small.
	secs := int64((delay + time.Second - 1) / time.Second)

	q.mu.Lock()
	defer q.mu.Unlock()
	name, err := q.retryQueue(secs)
	if err != nil {
		return err
	}
	return q.publish(ctx, "", name, body)
}

// retryQueue declares the retry queue for secs. The declaration is repeated on
// every delayed publish: publishing does not count as use for x-expires, a
// redeclare does. Must be called with mu held.
func (q *RabbitQueue) retryQueue(secs int64) (string, error) {
	ch, err := q.channel()
	if err != nil {
		return "", err
	}
	ttl := secs * 1000
	name := q.cfg.RetryQueue + "." + strconv.FormatInt(secs, 10) + "s"
	_, err = ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    q.cfg.Exchange,
		"x-dead-letter-routing-key": workRoutingKey,
		// Idle retry queues disappear on their own.
		"x-expires": ttl*2 + q.cfg.RetryQueueIdle.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("declare retry queue %s: %w", name, err)
	}
	return name, nil
}

// publish sends one mandatory message and waits for the broker confirm.
// Must be called with mu held.
func (q *RabbitQueue) publish(ctx context.Context, exchange, key string, body []byte) error {
	ch, err := q.channel()
	if err != nil {
		return err
	}
	q.drainReturns()
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	// A return always precedes the confirm of the same message.
	select {
	case ret, ok := <-q.returns:
		if ok {
			return fmt.Errorf("publish to %q/%q: %w: %s", exchange, key, ErrUnroutable, ret.ReplyText)
		}
	default:
	}
	if !acked {
		return fmt.Errorf("publish to %q/%q: %w", exchange, key, ErrNacked)
	}
	return nil
}

// Consume delivers work-queue messages to h, at most Prefetch at a time, until ctx
// is done. In-flight handlers finish before Consume returns.
func (q *RabbitQueue) Consume(ctx context.Context, h Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(q.cfg.WorkQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}

			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				slog.Error("dropping malformed message", "error", err)
				_ = d.Nack(false, false)
				continue
			}

			wg.Add(1)
			go func(d amqp.Delivery, msg Message) {
				defer wg.Done()
				if err := h(ctx, msg); err != nil {
					slog.Warn("handler failed, requeueing", "task_id", msg.TaskID, "error", err)
					_ = d.Nack(false, true)
					return
				}
				_ = d.Ack(false)
			}(d, msg)
		}
	}
}

// Close closes the publishing channel. The connection is owned by the caller.
func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub == nil || q.pub.IsClosed() {
		return nil
	}
	return q.pub.Close()
}
