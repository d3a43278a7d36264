// Package ratelimit gates provider send operations behind a process-wide
// token bucket so the external send capability's throughput cap is honored
// across every concurrent request.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter admits one operation per token. Tokens refill at the configured
// rate with a bucket size of one, so a burst of K waiters is admitted over
// at least (K-1)/rate seconds.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter admitting at most opsPerSecond operations per
// second. Values below one are raised to one.
func New(opsPerSecond int) *Limiter {
	if opsPerSecond < 1 {
		opsPerSecond = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(opsPerSecond), 1),
	}
}

// Wait suspends the calling goroutine until a token is available or the
// context is cancelled. Token accounting is safe for concurrent use.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
