package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
		calls++
		if calls < 3 {
			return errors.New("broker hiccup")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
		calls++
		return errors.New("still down")
	})

	assert.ErrorContains(t, err, "still down")
	// The budget counts retries, so the first attempt comes on top.
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
		calls++
		return RetryableError{Err: errors.New("publisher is closed"), Retryable: false}
	})

	assert.ErrorContains(t, err, "publisher is closed")
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := Retry(ctx, NewFixedDelay(time.Hour, 3), func() error {
		calls++
		return errors.New("unreachable")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls, "the context must interrupt the backoff sleep")
}

func TestExponentialBackoffDelays(t *testing.T) {
	policy := NewExponentialBackoff(100*time.Millisecond, 400*time.Millisecond, 2.0, 5)
	policy.Jitter = false

	assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, policy.NextDelay(3), "the ceiling caps further growth")
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	policy := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 5)
	require.True(t, policy.Jitter)

	for i := 0; i < 50; i++ {
		delay := policy.NextDelay(0)
		assert.GreaterOrEqual(t, delay, 85*time.Millisecond)
		assert.Less(t, delay, 115*time.Millisecond)
	}
}

func TestExponentialBackoffBudget(t *testing.T) {
	policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 2)

	retry, _ := policy.ShouldRetry(0, errors.New("x"))
	assert.True(t, retry)
	retry, _ = policy.ShouldRetry(2, errors.New("x"))
	assert.False(t, retry)
	assert.Equal(t, 2, policy.MaxRetries())
}

func TestLinearBackoffDelays(t *testing.T) {
	policy := NewLinearBackoff(50*time.Millisecond, 3)
	policy.Jitter = false

	assert.Equal(t, 50*time.Millisecond, policy.NextDelay(0))
	assert.Equal(t, 100*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 150*time.Millisecond, policy.NextDelay(2))
}

func TestFixedDelayPolicy(t *testing.T) {
	policy := NewFixedDelay(25*time.Millisecond, 2)

	retry, delay := policy.ShouldRetry(1, errors.New("x"))
	assert.True(t, retry)
	assert.Equal(t, 25*time.Millisecond, delay)

	retry, _ = policy.ShouldRetry(1, RetryableError{Err: errors.New("x"), Retryable: false})
	assert.False(t, retry, "non-retryable errors cut the budget short")
}

func TestRetryableErrorChain(t *testing.T) {
	sentinel := errors.New("bad payload")
	err := RetryableError{Err: sentinel, Retryable: false}

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, "bad payload", err.Error())
	assert.False(t, isRetryable(err))
	assert.True(t, isRetryable(errors.New("unclassified")))
	assert.False(t, isRetryable(nil))
}
