package comms

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a closed communicator.
var ErrClosed = errors.New("communicator is closed")

// ErrPending is returned when a future's result is read before it resolved.
var ErrPending = errors.New("future is not resolved")

// TimeoutError reports an RPC that received no acknowledgement within its
// bound. It says nothing about the target process, which may never have seen
// the request.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// RemoteError is an explicit error acknowledgement from the remote side,
// distinct from a timeout.
type RemoteError struct {
	Detail string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", e.Detail)
}
