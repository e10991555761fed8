package infra

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by concurrent callers of one endpoint
// class (e.g. historical trade backfill).
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter creates a limiter.
// maxRequests: maximum burst size
// perSecond: refill rate (requests per second)
func NewRateLimiter(maxRequests int, perSecond float64) *RateLimiter {
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(perSecond), maxRequests)}
}

// NewIntervalLimiter allows one request per interval. A zero interval
// disables limiting.
func NewIntervalLimiter(every time.Duration) *RateLimiter {
	if every <= 0 {
		return &RateLimiter{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Every(every), 1)}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.lim.Wait(ctx)
}
