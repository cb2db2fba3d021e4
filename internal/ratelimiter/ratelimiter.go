// Package ratelimiter throttles provider requests with a token bucket.
package ratelimiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiter admits requests at a sustained rate with bursts, built on
// golang.org/x/time/rate.
//
// A zero rate means unlimited. Burst defaults to the rate when zero, so a
// limiter of 10 req/s admits 10 requests at once after an idle second.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter.
//
// Parameters:
//   - requestsPerSecond: Sustained rate; 0 disables limiting
//   - burst: Bucket capacity; 0 uses requestsPerSecond
func New(requestsPerSecond float64, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = max(1, int(requestsPerSecond))
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Unlimited reports whether the limiter admits everything.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// Wait blocks until a token is available or ctx ends.
//
// Returns the context error when ctx ends first, or when the wait would
// outlast the context deadline.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.Unlimited() {
		return ctx.Err()
	}
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("rate limit wait: %w", context.DeadlineExceeded)
	}
	return nil
}
