// Package quota enforces per-owner daily submission limits. Counters live in the
// cache and roll over at midnight in the configured timezone.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/jobcore/internal/cache"
	"github.com/kiranshivaraju/jobcore/internal/config"
)

// ExceededError is returned by Reserve when the daily limit is already used up.
type ExceededError struct {
	Class   string
	Limit   int
	ResetIn time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily quota %q of %d exhausted, resets in %s", e.Class, e.Limit, e.ResetIn.Round(time.Second))
}

// Reservation is one consumed unit that can be refunded if the submission aborts.
type Reservation struct {
	Key   string
	Count int64
	Limit int
}

// Limiter checks and consumes daily quota.
type Limiter struct {
	cache  cache.Cache
	limits map[string]int
	loc    *time.Location
	now    func() time.Time
}

// New creates a Limiter. Classes without a configured limit are unlimited.
func New(c cache.Cache, cfg config.QuotaConfig) *Limiter {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Limiter{cache: c, limits: cfg.DailyLimits, loc: loc, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Reserve atomically consumes one unit of class for ownerID. A nil reservation with
// a nil error means the class is unlimited.
func (l *Limiter) Reserve(ctx context.Context, class, ownerID string) (*Reservation, error) {
	limit, ok := l.limits[class]
	if !ok {
		return nil, nil
	}
	now := l.now().In(l.loc)
	key := cache.QuotaKey(class, ownerID, now.Format("2006-01-02"))
	midnight := nextMidnight(now)

	count, allowed, err := l.cache.ReserveQuota(ctx, key, limit, midnight.Add(time.Hour))
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if !allowed {
		return nil, &ExceededError{Class: class, Limit: limit, ResetIn: midnight.Sub(now)}
	}
	return &Reservation{Key: key, Count: count, Limit: limit}, nil
}

// Refund returns a reservation. A nil reservation is a no-op.
func (l *Limiter) Refund(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	if err := l.cache.RefundQuota(ctx, r.Key); err != nil {
		return fmt.Errorf("refund quota: %w", err)
	}
	return nil
}

// ResetIn is the time left until the current quota day ends.
func (l *Limiter) ResetIn() time.Duration {
	now := l.now().In(l.loc)
	return nextMidnight(now).Sub(now)
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
