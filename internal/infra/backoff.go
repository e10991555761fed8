package infra

import (
	"time"

	"github.com/jpillora/backoff"
)

// CalculateBackoff returns base * 2^attempt, capped at max.
// A non-positive max disables the cap growth and always returns base.
func CalculateBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || max <= base {
		return base
	}

	// 2^30 * 1ns is already > 1s; anything beyond that is capped
	if attempt > 30 {
		return max
	}

	delay := base * time.Duration(1<<attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// NewReconnectBackoff returns the pacing used between stream reconnects.
// min is the floor between attempts, max the ceiling.
func NewReconnectBackoff(min, max time.Duration) *backoff.Backoff {
	if max < min {
		max = min
	}
	return &backoff.Backoff{
		Min:    min,
		Max:    max,
		Factor: 2,
		Jitter: true,
	}
}
