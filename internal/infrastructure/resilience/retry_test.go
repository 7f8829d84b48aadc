package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, MinWait: time.Millisecond, MaxWait: 2 * time.Millisecond}
}

func TestRetrySucceedsEventually(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFetch
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(4), func(ctx context.Context) error {
		calls++
		return errFetch
	})

	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.ErrorIs(t, err, errFetch)
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	calls := 0
	errRejected := errors.New("rejected")
	err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return Permanent(errRejected)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errRejected)
	assert.NotErrorIs(t, err, ErrBudgetExhausted)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, Policy{Attempts: 10, MinWait: time.Hour}, func(ctx context.Context) error {
		calls++
		cancel()
		return errFetch
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), Policy{}, func(ctx context.Context) error {
		calls++
		return errFetch
	})
	assert.Equal(t, 1, calls)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
