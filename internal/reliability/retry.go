package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether a failed attempt may be retried and how long
// to back off first. Attempts count from zero.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff multiplies the delay per attempt up to a ceiling, with
// jitter so a reconnecting fleet does not thunder in step.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter
// enabled.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts || !isRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

func (e *ExponentialBackoff) MaxRetries() int { return e.MaxAttempts }

func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		delay += (rand.Float64() - 0.5) * 0.3 * delay
	}
	return time.Duration(delay)
}

// LinearBackoff grows the delay by a fixed interval per attempt.
type LinearBackoff struct {
	Interval    time.Duration
	MaxAttempts int
	Jitter      bool
}

// NewLinearBackoff creates a linear backoff policy with jitter enabled.
func NewLinearBackoff(interval time.Duration, maxAttempts int) *LinearBackoff {
	return &LinearBackoff{
		Interval:    interval,
		MaxAttempts: maxAttempts,
		Jitter:      true,
	}
}

func (l *LinearBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= l.MaxAttempts || !isRetryable(err) {
		return false, 0
	}
	return true, l.NextDelay(attempt)
}

func (l *LinearBackoff) MaxRetries() int { return l.MaxAttempts }

func (l *LinearBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(l.Interval) * float64(attempt+1)
	if l.Jitter {
		delay += (rand.Float64() - 0.5) * 0.3 * delay
	}
	return time.Duration(delay)
}

// FixedDelay waits the same delay between every attempt.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed-delay policy.
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxAttempts}
}

func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts || !isRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

func (f *FixedDelay) MaxRetries() int { return f.MaxAttempts }

func (f *FixedDelay) NextDelay(attempt int) time.Duration { return f.Delay }

// Retry runs fn until it succeeds, the policy declines another attempt, or
// the context ends. The last error is returned once the budget runs out.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return err
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isRetryable probes the error chain for an explicit retry decision.
// Unclassified errors default to retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// RetryableError tags an error with an explicit retry decision for the
// policies above.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string { return r.Err.Error() }

func (r RetryableError) IsRetryable() bool { return r.Retryable }

func (r RetryableError) Unwrap() error { return r.Err }
