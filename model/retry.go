package model

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	// DefaultRequestMaxRetries bounds retries of the initial HTTP request.
	DefaultRequestMaxRetries = 4
	// DefaultStreamMaxRetries bounds reconnects after a stream failed mid-way.
	DefaultStreamMaxRetries = 5
	// DefaultInitialBackoff is the delay before the first retry.
	DefaultInitialBackoff = 200 * time.Millisecond
	// DefaultBackoffFactor multiplies the delay after each attempt.
	DefaultBackoffFactor = 2.0
)

// Backoff returns the delay before retry attempt (1-based).
type Backoff func(attempt int) time.Duration

// ExponentialBackoff returns initial * factor^(attempt-1) with 0.9-1.1 jitter,
// capped at limit when limit > 0.
func ExponentialBackoff(initial time.Duration, factor float64, limit time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := float64(initial) * math.Pow(factor, float64(attempt-1))
		if limit > 0 && d > float64(limit) {
			d = float64(limit)
		}
		d *= 0.9 + rand.Float64()*0.2 //nolint:gosec // jitter
		return time.Duration(d)
	}
}

// DefaultBackoff is 200ms * 2^(attempt-1) with jitter and no cap.
func DefaultBackoff() Backoff {
	return ExponentialBackoff(DefaultInitialBackoff, DefaultBackoffFactor, 0)
}

// RetryPolicy bounds retries of a failing operation.
type RetryPolicy struct {
	MaxRetries int
	Backoff    Backoff
}

// Delay returns the wait before attempt. A server supplied retryAfter wins.
func (p RetryPolicy) Delay(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}
	if p.Backoff == nil {
		return DefaultBackoff()(attempt)
	}
	return p.Backoff(attempt)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
