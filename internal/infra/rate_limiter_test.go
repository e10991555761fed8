package infra

import (
	"context"
	"testing"
	"time"
)

// ready reports whether a token is available almost immediately.
func ready(rl *RateLimiter) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	return rl.Wait(ctx) == nil
}

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(2, 10)

	if !ready(rl) {
		t.Error("expected first token to be available")
	}
	if !ready(rl) {
		t.Error("expected second token to be available")
	}
	if ready(rl) {
		t.Error("expected burst to be exhausted")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := NewRateLimiter(1, 10)

	if !ready(rl) {
		t.Error("expected first token to be available")
	}
	if ready(rl) {
		t.Error("expected no immediate token")
	}

	// 100ms = 1 token at 10/s
	time.Sleep(120 * time.Millisecond)

	if !ready(rl) {
		t.Error("expected a token after refill")
	}
}

func TestIntervalLimiter_Wait(t *testing.T) {
	rl := NewIntervalLimiter(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}

	// first call is free, the next two wait one interval each
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected >= ~100ms for 3 calls, got %s", elapsed)
	}
}

func TestIntervalLimiter_Disabled(t *testing.T) {
	rl := NewIntervalLimiter(0)
	for i := 0; i < 100; i++ {
		if !ready(rl) {
			t.Fatalf("zero interval should never limit (call %d)", i)
		}
	}
}

func TestRateLimiter_WaitCancelled(t *testing.T) {
	rl := NewIntervalLimiter(time.Hour)
	ready(rl)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err == nil {
		t.Error("expected Wait to fail when ctx expires before a token is available")
	}
}
