package process

import "github.com/glimte/procmate-go/fsm"

// Canonical lifecycle labels. Pausing is deliberately absent: paused is an
// orthogonal flag on the process, not a state.
const (
	LabelCreated  fsm.Label = "created"
	LabelRunning  fsm.Label = "running"
	LabelWaiting  fsm.Label = "waiting"
	LabelFinished fsm.Label = "finished"
	LabelExcepted fsm.Label = "excepted"
	LabelKilled   fsm.Label = "killed"
)

// Created is the initial state: the process exists with validated inputs
// and has not executed a step.
type Created struct{}

func (Created) Label() fsm.Label { return LabelCreated }
func (Created) Terminal() bool   { return false }

// Running names the step the process is executing or about to execute.
type Running struct {
	Step string
}

func (Running) Label() fsm.Label { return LabelRunning }
func (Running) Terminal() bool   { return false }

// Waiting parks the process until a resumption trigger fires. Step is the
// continuation, Message the human-readable reason for the wait.
type Waiting struct {
	Step    string
	Message string
}

func (Waiting) Label() fsm.Label { return LabelWaiting }
func (Waiting) Terminal() bool   { return false }

// Finished is terminal and carries the process outputs.
type Finished struct {
	Outputs    map[string]interface{}
	Successful bool
}

func (Finished) Label() fsm.Label { return LabelFinished }
func (Finished) Terminal() bool   { return true }

// Excepted is terminal and preserves the error that ended the process.
type Excepted struct {
	Err error
}

func (Excepted) Label() fsm.Label { return LabelExcepted }
func (Excepted) Terminal() bool   { return true }

// Cause returns the recorded error text.
func (e Excepted) Cause() string {
	if e.Err == nil {
		return "unknown failure"
	}
	return e.Err.Error()
}

// Killed is terminal and records the kill message.
type Killed struct {
	Message string
}

func (Killed) Label() fsm.Label { return LabelKilled }
func (Killed) Terminal() bool   { return true }

// transitionTable returns the allowed lifecycle moves. Self-moves on
// running and waiting model step-to-step progress; every non-terminal state
// can be killed or excepted.
func transitionTable() map[fsm.Label][]fsm.Label {
	return map[fsm.Label][]fsm.Label{
		LabelCreated: {LabelRunning, LabelKilled, LabelExcepted},
		LabelRunning: {LabelRunning, LabelWaiting, LabelFinished, LabelKilled, LabelExcepted},
		LabelWaiting: {LabelRunning, LabelWaiting, LabelFinished, LabelKilled, LabelExcepted},
	}
}

// terminalLabel reports whether the label names a terminal state.
func terminalLabel(l fsm.Label) bool {
	switch l {
	case LabelFinished, LabelExcepted, LabelKilled:
		return true
	default:
		return false
	}
}
