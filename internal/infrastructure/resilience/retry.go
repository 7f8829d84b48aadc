package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExhausted is returned by Retry when every attempt failed.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Policy bounds a retried operation.
type Policy struct {
	// Attempts is the total number of calls, including the first
	Attempts int
	// MinWait is the delay before the first retry; it doubles per attempt
	MinWait time.Duration
	// MaxWait caps the delay between attempts
	MaxWait time.Duration
}

// DefaultPolicy returns the budget used for session creation calls.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 5,
		MinWait:  200 * time.Millisecond,
		MaxWait:  2 * time.Second,
	}
}

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry calls fn until it succeeds, returns a Permanent error, ctx is done,
// or the policy runs out of attempts. The exhausted error wraps both
// ErrBudgetExhausted and the last failure.
func Retry(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := policy.MinWait

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if errors.Is(lastErr, context.Canceled) {
			return lastErr
		}

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		wait *= 2
		if policy.MaxWait > 0 && wait > policy.MaxWait {
			wait = policy.MaxWait
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, attempts, lastErr)
}
