package reliability

import (
	"fmt"
	"time"
)

// CircuitBreakerError reports a call blocked by an open or saturated
// circuit.
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextProbe        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: probe limit reached", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open: %d/%d failures, next probe in %s",
		e.Name, e.Failures, e.FailureThreshold,
		time.Until(e.NextProbe).Round(time.Millisecond))
}
