package persist

import (
	"encoding/json"
	"fmt"
)

// Bundle is an ordered snapshot of a process's persistable attributes,
// sufficient to reconstruct it: the concrete type identity, process id,
// current label, inputs, outputs and the saved continuation. The
// continuation is opaque to this package; its shape belongs to the process
// type that wrote it.
type Bundle struct {
	TypeID       string                 `json:"type_id" yaml:"type_id" mapstructure:"type_id"`
	PID          string                 `json:"pid" yaml:"pid" mapstructure:"pid"`
	Label        string                 `json:"label" yaml:"label" mapstructure:"label"`
	Inputs       map[string]interface{} `json:"inputs,omitempty" yaml:"inputs,omitempty" mapstructure:"inputs"`
	Outputs      map[string]interface{} `json:"outputs,omitempty" yaml:"outputs,omitempty" mapstructure:"outputs"`
	Continuation map[string]interface{} `json:"continuation,omitempty" yaml:"continuation,omitempty" mapstructure:"continuation"`
}

// Validate checks the structural invariants required for reconstruction.
func (b *Bundle) Validate() error {
	if b == nil {
		return &ReconstructionError{Reason: "bundle is nil"}
	}
	if b.TypeID == "" {
		return &ReconstructionError{Reason: "missing type_id"}
	}
	if b.PID == "" {
		return &ReconstructionError{TypeID: b.TypeID, Reason: "missing pid"}
	}
	if b.Label == "" {
		return &ReconstructionError{TypeID: b.TypeID, Reason: "missing label"}
	}
	return nil
}

// Encode serializes the bundle to its canonical JSON form. A value that the
// encoding cannot represent fails with a *SerializationError naming the
// offending attribute.
func (b *Bundle) Encode() ([]byte, error) {
	fields := []struct {
		name  string
		value interface{}
	}{
		{"inputs", b.Inputs},
		{"outputs", b.Outputs},
		{"continuation", b.Continuation},
	}
	for _, f := range fields {
		if _, err := json.Marshal(f.value); err != nil {
			return nil, &SerializationError{Field: f.name, Err: err}
		}
	}

	data, err := json.Marshal(b)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return data, nil
}

// DecodeBundle parses the canonical JSON form back into a bundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, &ReconstructionError{Reason: "malformed bundle encoding", Err: err}
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("decoded bundle invalid: %w", err)
	}
	return &b, nil
}

// Clone returns a deep copy produced by an encode/decode round trip, so the
// copy shares no nested maps with the original.
func (b *Bundle) Clone() (*Bundle, error) {
	data, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return DecodeBundle(data)
}
