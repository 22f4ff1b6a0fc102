// Package reliability carries the retry and circuit breaker primitives the
// AMQP transport leans on.
//
// This package includes:
//   - RetryPolicy: exponential, linear and fixed-delay backoff flavors
//   - Retry: runs a function under a policy, honoring context cancellation
//   - CircuitBreaker: fails calls fast while a dependency keeps erroring
//
// The connection manager paces its re-dials with a backoff policy, the
// publisher retries rejected confirms, and the communicator wraps publishes
// in a breaker so a dead broker does not stack confirm timeouts.
package reliability
