package process

import "context"

// StepFunc is one unit of process work. It runs on a scheduler turn,
// receives the process context (cancelled on kill) and returns the
// directive deciding what happens next.
type StepFunc func(ctx context.Context, p *Process) Directive

// InputValidator checks and optionally normalizes launch inputs before a
// process is created. Validation failure aborts creation; it never creates
// an excepted process.
type InputValidator interface {
	Validate(inputs map[string]interface{}) (map[string]interface{}, error)
}

// PassthroughValidator accepts any inputs unchanged. It is the default when
// a definition declares no validator.
type PassthroughValidator struct{}

// Validate implements InputValidator.
func (PassthroughValidator) Validate(inputs map[string]interface{}) (map[string]interface{}, error) {
	return inputs, nil
}

// Definition describes a process type: its registered identity, the named
// steps, and the hooks tying instance state to checkpoints.
type Definition struct {
	// TypeID is the stable identity checkpoints record; reconstruction
	// resolves it back to a factory.
	TypeID string

	// Entry names the step the process starts with.
	Entry string

	// Steps maps step names to their functions. Names are the resume
	// tokens written into checkpoints, so they must stay stable across
	// releases.
	Steps map[string]StepFunc

	// Validator checks inputs at creation. Nil means accept anything.
	Validator InputValidator

	// Init runs once the process is constructed, before it enters its
	// initial state. Definitions that carry per-instance state bind it
	// here.
	Init func(p *Process) error

	// SaveState contributes definition-specific state to each checkpoint.
	SaveState func(p *Process, state map[string]interface{}) error

	// LoadState restores definition-specific state during reconstruction.
	LoadState func(p *Process, state map[string]interface{}) error
}

// validate checks the definition invariants a process depends on.
func (d *Definition) validate() error {
	if d == nil {
		return errNilDefinition
	}
	if d.TypeID == "" {
		return errDefinitionNoType
	}
	if d.Entry == "" {
		return errDefinitionNoEntry
	}
	if _, ok := d.Steps[d.Entry]; !ok {
		return errDefinitionBadEntry
	}
	return nil
}

// Factory produces a fresh Definition per process instance, so definitions
// may close over mutable per-instance state.
type Factory func() *Definition
