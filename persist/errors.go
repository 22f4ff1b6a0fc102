package persist

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no checkpoint exists for the requested pid
// and tag.
var ErrNotFound = errors.New("checkpoint not found")

// SerializationError reports a bundle attribute that cannot be represented
// in the checkpoint encoding. It is raised at save time, never at load time.
type SerializationError struct {
	Field string
	Err   error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("cannot serialize bundle field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("cannot serialize bundle: %v", e.Err)
}

// Unwrap returns the underlying encoding error.
func (e *SerializationError) Unwrap() error {
	return e.Err
}

// ReconstructionError reports a bundle whose recorded type cannot be
// resolved or whose shape is malformed.
type ReconstructionError struct {
	TypeID string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ReconstructionError) Error() string {
	msg := fmt.Sprintf("cannot reconstruct process: %s", e.Reason)
	if e.TypeID != "" {
		msg = fmt.Sprintf("cannot reconstruct process of type %q: %s", e.TypeID, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying decoding error.
func (e *ReconstructionError) Unwrap() error {
	return e.Err
}
