package contracts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// KillPayload carries the human-readable reason recorded by the killed
// process.
type KillPayload struct {
	Message string `json:"message" mapstructure:"message"`
}

// PausePayload optionally bounds the pause: a positive TimeoutSeconds
// schedules an automatic play once the timeout elapses.
type PausePayload struct {
	Message        string  `json:"message,omitempty" mapstructure:"message"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
}

// StateChangedPayload is broadcast on every successful transition.
type StateChangedPayload struct {
	From string `json:"from" mapstructure:"from"`
	To   string `json:"to" mapstructure:"to"`
}

// StatusReport describes a process's control-plane view of itself.
type StatusReport struct {
	PID      string `json:"pid" mapstructure:"pid"`
	Label    string `json:"label" mapstructure:"label"`
	Terminal bool   `json:"is_terminal" mapstructure:"is_terminal"`
	Paused   bool   `json:"paused" mapstructure:"paused"`
	Cause    string `json:"cause,omitempty" mapstructure:"cause"`
}

// LaunchTask asks a process host to create and run a new process.
type LaunchTask struct {
	TypeID string                 `json:"type_id" mapstructure:"type_id"`
	Inputs map[string]interface{} `json:"inputs,omitempty" mapstructure:"inputs"`
	Nowait bool                   `json:"nowait,omitempty" mapstructure:"nowait"`
}

// ContinueTask asks a process host to reconstruct a checkpointed process and
// resume it.
type ContinueTask struct {
	PID    string `json:"pid" mapstructure:"pid"`
	Tag    string `json:"tag,omitempty" mapstructure:"tag"`
	Nowait bool   `json:"nowait,omitempty" mapstructure:"nowait"`
}

// EncodePayload converts a typed payload into the generic map carried by an
// envelope.
func EncodePayload(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return out, nil
}

// DecodePayload fills a typed payload from the generic map carried by an
// envelope.
func DecodePayload(m map[string]interface{}, out interface{}) error {
	if err := mapstructure.Decode(m, out); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// StateChangedPrefix is the first segment of every state-change broadcast
// subject.
const StateChangedPrefix = "state_changed"

// StateChangedSubject builds the broadcast subject for a transition.
func StateChangedSubject(from, to string) string {
	return fmt.Sprintf("%s.%s.%s", StateChangedPrefix, from, to)
}

// StateChangedWildcard matches every state-change broadcast.
const StateChangedWildcard = StateChangedPrefix + ".*.*"

// ControlPrefix is the first segment of every control broadcast subject.
// Control broadcasts address all live processes at once; the prefix keeps
// them disjoint from state-change traffic.
const ControlPrefix = "control"

// ControlSubject builds the broadcast subject carrying an intent addressed
// to every live process.
func ControlSubject(kind Kind) string {
	return fmt.Sprintf("%s.%s", ControlPrefix, strings.ToLower(string(kind)))
}

// ControlWildcard matches every control broadcast.
const ControlWildcard = ControlPrefix + ".*"

// MatchSubject reports whether a dotted subject matches a pattern using
// topic wildcards: "*" matches exactly one segment, "#" matches the rest.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pp := strings.Split(pattern, ".")
	ss := strings.Split(subject, ".")
	for i, p := range pp {
		if p == "#" {
			return true
		}
		if i >= len(ss) {
			return false
		}
		if p != "*" && p != ss[i] {
			return false
		}
	}
	return len(pp) == len(ss)
}
