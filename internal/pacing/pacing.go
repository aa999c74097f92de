// Package pacing spaces out calls to rate-limited collaborators.
package pacing

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer blocks until the next call is allowed or ctx is done.
type Pacer interface {
	Wait(ctx context.Context) error
}

// TokenBucket allows callsPerMinute calls per minute with a burst of one, so
// consecutive calls are spread evenly.
type TokenBucket struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewTokenBucket creates a TokenBucket. A non-positive rate disables pacing.
func NewTokenBucket(callsPerMinute int) *TokenBucket {
	if callsPerMinute <= 0 {
		return &TokenBucket{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	interval := time.Minute / time.Duration(callsPerMinute)
	return &TokenBucket{limiter: rate.NewLimiter(rate.Every(interval), 1), interval: interval}
}

func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Interval returns the spacing between calls, or 0 when unpaced.
func (t *TokenBucket) Interval() time.Duration {
	return t.interval
}

type noop struct{}

func (noop) Wait(ctx context.Context) error { return ctx.Err() }

// None never waits. Tests use it to run pipelines at full speed.
var None Pacer = noop{}
