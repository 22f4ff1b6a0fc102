package process

import (
	"errors"
	"fmt"
)

// ErrNotTerminated is returned by Result before the process reached a
// terminal state.
var ErrNotTerminated = errors.New("process has not terminated")

// ErrSchedulerStopped is returned when a turn is posted to a scheduler that
// no longer runs.
var ErrSchedulerStopped = errors.New("scheduler is stopped")

// Definition invariants checked at process creation.
var (
	errNilDefinition      = errors.New("definition is nil")
	errDefinitionNoType   = errors.New("definition has no type id")
	errDefinitionNoEntry  = errors.New("definition has no entry step")
	errDefinitionBadEntry = errors.New("definition entry step is not in the step table")
)

// StepError wraps an error raised by user step logic. It is the cause
// carried by a process that ended excepted.
type StepError struct {
	Step string
	Err  error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

// Unwrap returns the underlying step failure.
func (e *StepError) Unwrap() error {
	return e.Err
}

// KilledError is returned by Result for a process that ended killed.
type KilledError struct {
	Message string
}

// Error implements the error interface.
func (e *KilledError) Error() string {
	if e.Message == "" {
		return "process was killed"
	}
	return fmt.Sprintf("process was killed: %s", e.Message)
}
