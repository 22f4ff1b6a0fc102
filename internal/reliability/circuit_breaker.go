package reliability

import (
	"context"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails calls fast once a dependency keeps erroring. It opens
// after a run of consecutive failures, lets a bounded number of probes
// through once the cooldown elapses, and closes again after enough probes
// succeed. A failed probe reopens it.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	halfOpenLimit    int

	state       State
	failures    int
	successes   int
	halfOpen    int
	lastFailure time.Time
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithName names the breaker in its errors.
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if name != "" {
			cb.name = name
		}
	}
}

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets how many successful probes close the circuit
// again.
func WithSuccessThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.successThreshold = n
		}
	}
}

// WithCooldown sets how long an open circuit blocks calls before probing.
func WithCooldown(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.cooldown = d
		}
	}
}

// WithHalfOpenLimit caps how many probes are admitted during one half-open
// episode.
func WithHalfOpenLimit(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenLimit = n
		}
	}
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		successThreshold: 3,
		cooldown:         30 * time.Second,
		halfOpenLimit:    3,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn under the breaker. Calls blocked by an open or saturated
// circuit fail with *CircuitBreakerError without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpen = 0
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		nextProbe := cb.lastFailure.Add(cb.cooldown)
		if time.Now().Before(nextProbe) {
			return cb.blocked(nextProbe)
		}
		// Cooldown over; this call is the first probe.
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.halfOpen = 1
		return nil

	case StateHalfOpen:
		if cb.halfOpen >= cb.halfOpenLimit {
			return cb.blocked(time.Now().Add(cb.cooldown))
		}
		cb.halfOpen++
		return nil

	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
			}
		case StateHalfOpen:
			// One failed probe reopens the circuit.
			cb.state = StateOpen
			cb.halfOpen = 0
		}
		if cb.state != StateClosed {
			cb.successes = 0
		}
		return
	}

	cb.successes++
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.halfOpen = 0
		}
	}
}

func (cb *CircuitBreaker) blocked(nextProbe time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		LastFailure:      cb.lastFailure,
		NextProbe:        nextProbe,
	}
}
