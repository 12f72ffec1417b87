package jobs

import (
	"math"
	"time"

	"github.com/kiranshivaraju/jobcore/internal/config"
)

// Backoff returns the delay before redispatching a job whose attempt-th dispatch
// (1-based) failed transiently: InitialBackoff * Multiplier^(attempt-1), capped at
// MaxBackoff, then randomised by +/- JitterFraction. rnd returns values in [0, 1).
func Backoff(p config.RetryPolicy, attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	backoff := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	if p.JitterFraction > 0 && rnd != nil {
		jitter := backoff * p.JitterFraction * (rnd()*2 - 1)
		if backoff+jitter > 0 {
			backoff += jitter
		}
	}
	return time.Duration(backoff)
}

// fitsElapsed reports whether one more attempt after delay can still finish
// before the job's MaxElapsed budget, counted from its first dispatch.
func fitsElapsed(p config.RetryPolicy, startedAt *time.Time, now time.Time, delay time.Duration) bool {
	if p.MaxElapsed <= 0 || startedAt == nil {
		return true
	}
	return now.Add(delay).Add(p.AttemptTimeout).Sub(*startedAt) <= p.MaxElapsed
}

// elapsedExceeded reports whether the job has run out of wall-clock budget.
func elapsedExceeded(p config.RetryPolicy, startedAt *time.Time, now time.Time) bool {
	return p.MaxElapsed > 0 && startedAt != nil && now.Sub(*startedAt) > p.MaxElapsed
}
