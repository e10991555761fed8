// Package executor wraps vendor calls with one success/failure pipeline:
// benign outcomes resolve as results, fatal ones surface once, and
// everything else is retried on a timer.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/infra"
)

// Policy controls retry pacing for one exchange.
//
// The zero MaxRetryDelay and MaxAttempts give a fixed delay and unbounded
// attempts.
type Policy struct {
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	MaxAttempts   int
}

// Executor runs calls for one exchange.
type Executor struct {
	name    string
	policy  Policy
	breaker *infra.CircuitBreaker
}

// New creates an executor. breaker may be nil.
func New(name string, policy Policy, breaker *infra.CircuitBreaker) *Executor {
	if policy.RetryDelay <= 0 {
		policy.RetryDelay = time.Second
	}
	return &Executor{name: name, policy: policy, breaker: breaker}
}

// Policy returns the effective retry policy.
func (e *Executor) Policy() Policy { return e.policy }

// Call describes one retryable operation. Every attempt invokes Do with the
// same captured arguments; Attempt counts invocations so far.
type Call[T any] struct {
	Name    string
	Args    []any
	Attempt int

	Do func(ctx context.Context) (T, error)

	// Benign converts an expected vendor refusal into a normal result.
	Benign func(err error) (T, bool)

	// Quiet logs retries at debug level (used by trade backfill).
	Quiet bool
}

// ErrExhausted wraps the last error once MaxAttempts is reached.
var ErrExhausted = errors.New("retry attempts exhausted")

// Run executes call until it succeeds, resolves benignly, fails fatally,
// exhausts its attempts, or ctx is done.
func Run[T any](ctx context.Context, ex *Executor, call Call[T]) (T, error) {
	var zero T
	for {
		if wait, ok := ex.deferred(); ok {
			slog.Debug("Circuit open, deferring call",
				"exchange", ex.name, "op", call.Name, "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return zero, err
			}
			continue
		}

		call.Attempt++
		res, err := call.Do(ctx)
		if err == nil {
			ex.recordSuccess()
			return res, nil
		}

		if call.Benign != nil {
			if r, ok := call.Benign(err); ok {
				ex.recordSuccess()
				return r, nil
			}
		}

		if domain.IsFatal(err) {
			slog.Error("API call failed, not retrying",
				"exchange", ex.name, "op", call.Name, "args", call.Args, "err", err)
			return zero, err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		ex.recordFailure()

		if ex.policy.MaxAttempts > 0 && call.Attempt >= ex.policy.MaxAttempts {
			slog.Error("API call gave up",
				"exchange", ex.name, "op", call.Name, "attempts", call.Attempt, "err", err)
			return zero, fmt.Errorf("%s %s: %w: %w", ex.name, call.Name, ErrExhausted, err)
		}

		delay := infra.CalculateBackoff(ex.policy.RetryDelay, ex.policy.MaxRetryDelay, call.Attempt-1)
		level := slog.LevelWarn
		if call.Quiet {
			level = slog.LevelDebug
		}
		slog.Log(ctx, level, "API is down, retrying",
			"exchange", ex.name, "op", call.Name, "attempt", call.Attempt, "delay", delay, "err", err)

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func (e *Executor) deferred() (time.Duration, bool) {
	if e.breaker == nil {
		return 0, false
	}
	ok, wait := e.breaker.Allow()
	if ok {
		return 0, false
	}
	if wait > e.policy.RetryDelay {
		wait = e.policy.RetryDelay
	}
	return wait, true
}

func (e *Executor) recordSuccess() {
	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
}

func (e *Executor) recordFailure() {
	if e.breaker != nil {
		e.breaker.RecordFailure()
	}
}

// sleep waits on a timer, never a busy loop.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
