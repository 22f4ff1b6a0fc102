package fsm

import "fmt"

// TransitionError reports an attempted move outside the transition table, a
// re-entrant transition, or a lifecycle hook failure. It is always fatal to
// the owning task.
type TransitionError struct {
	From   Label
	To     Label
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %q -> %q: %s", e.From, e.To, e.Reason)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the hook error that triggered the failure, if any.
func (e *TransitionError) Unwrap() error {
	return e.Err
}
