package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func alwaysTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDo_SucceedsOnFirstAttemptWithoutSleeping(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, alwaysTransient, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	err := Do(context.Background(), policy, alwaysTransient, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_NonTransientErrorReturnsImmediately(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	err := Do(context.Background(), policy, alwaysTransient, func() error {
		calls++
		return errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls, "a non-transient error must not be retried")
}

func TestDo_ExhaustsMaxAttemptsThenReturnsLastError(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	err := Do(context.Background(), policy, alwaysTransient, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelledDuringBackoffStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, policy, alwaysTransient, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation during the first backoff must stop further attempts")
}

func TestMinDuration(t *testing.T) {
	assert.Equal(t, time.Second, minDuration(time.Second, 2*time.Second))
	assert.Equal(t, time.Second, minDuration(2*time.Second, time.Second))
}
