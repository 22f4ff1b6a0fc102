package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failOnce(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error {
		return errors.New("broker unreachable")
	})
}

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker()
	assert.Equal(t, StateClosed, cb.State())

	ran := false
	err := cb.Execute(context.Background(), func() error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(WithName("publish"), WithFailureThreshold(3))

	for i := 0; i < 3; i++ {
		require.Error(t, failOnce(cb))
	}
	require.Equal(t, StateOpen, cb.State())

	// Blocked calls never reach the function.
	err := cb.Execute(context.Background(), func() error {
		t.Fatal("an open circuit must not run the call")
		return nil
	})
	var cbErr *CircuitBreakerError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, StateOpen, cbErr.State)
	assert.Equal(t, "publish", cbErr.Name)
	assert.Equal(t, 3, cbErr.Failures)
	assert.ErrorContains(t, err, "circuit breaker publish open")
}

func TestCircuitBreakerSuccessBreaksFailureRun(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(2))

	require.Error(t, failOnce(cb))
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	require.Error(t, failOnce(cb))

	assert.Equal(t, StateClosed, cb.State(), "only consecutive failures open the circuit")
}

func TestCircuitBreakerProbesAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(
		WithFailureThreshold(1),
		WithSuccessThreshold(2),
		WithCooldown(30*time.Millisecond),
	)

	require.Error(t, failOnce(cb))
	require.Equal(t, StateOpen, cb.State())
	time.Sleep(50 * time.Millisecond)

	// First probe is admitted and leaves the breaker half-open.
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())

	// The second success closes it.
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerReopensOnFailedProbe(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(1), WithCooldown(30*time.Millisecond))

	require.Error(t, failOnce(cb))
	time.Sleep(50 * time.Millisecond)

	require.Error(t, failOnce(cb))
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	var cbErr *CircuitBreakerError
	assert.ErrorAs(t, err, &cbErr)
}

func TestCircuitBreakerHalfOpenLimit(t *testing.T) {
	cb := NewCircuitBreaker(
		WithFailureThreshold(1),
		WithSuccessThreshold(3),
		WithCooldown(30*time.Millisecond),
		WithHalfOpenLimit(2),
	)

	require.Error(t, failOnce(cb))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	require.Equal(t, StateHalfOpen, cb.State())

	err := cb.Execute(context.Background(), func() error {
		t.Fatal("a saturated half-open circuit must not run the call")
		return nil
	})
	var cbErr *CircuitBreakerError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, StateHalfOpen, cbErr.State)
	assert.ErrorContains(t, err, "probe limit")
}

func TestCircuitBreakerHonorsContext(t *testing.T) {
	cb := NewCircuitBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error {
		t.Fatal("a cancelled context must not run the call")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(1))

	require.Error(t, failOnce(cb))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
}

func TestCircuitBreakerOptionGuards(t *testing.T) {
	cb := NewCircuitBreaker(
		WithName(""),
		WithFailureThreshold(0),
		WithSuccessThreshold(-1),
		WithCooldown(0),
		WithHalfOpenLimit(0),
	)

	assert.Equal(t, "default", cb.name)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 3, cb.successThreshold)
	assert.Equal(t, 30*time.Second, cb.cooldown)
	assert.Equal(t, 3, cb.halfOpenLimit)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
