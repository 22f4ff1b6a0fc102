package process

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/glimte/procmate-go/fsm"
	"github.com/glimte/procmate-go/persist"
)

// continuationState is the decoded shape of a bundle's continuation map.
// The step name is the resume token; definition-specific state rides under
// its own key so the two never collide.
type continuationState struct {
	Step         string                 `mapstructure:"step"`
	Message      string                 `mapstructure:"message"`
	Paused       bool                   `mapstructure:"paused"`
	PauseMessage string                 `mapstructure:"pause_message"`
	Successful   bool                   `mapstructure:"successful"`
	Cause        string                 `mapstructure:"cause"`
	State        map[string]interface{} `mapstructure:"state"`
}

// Snapshot captures the process as a bundle: identity, label, inputs,
// outputs and the continuation needed to resume. Transition-driven
// checkpoints call it on the loop; calling it from elsewhere yields an
// advisory snapshot.
func (p *Process) Snapshot() (*persist.Bundle, error) {
	st := p.machine.Current()
	if st == nil {
		return nil, fmt.Errorf("process has no state yet")
	}

	cont := make(map[string]interface{})
	switch s := st.(type) {
	case Running:
		cont["step"] = s.Step
	case Waiting:
		cont["step"] = s.Step
		if s.Message != "" {
			cont["message"] = s.Message
		}
	case Finished:
		cont["successful"] = s.Successful
	case Excepted:
		cont["cause"] = s.Cause()
	case Killed:
		if s.Message != "" {
			cont["cause"] = s.Message
		}
	}

	p.mu.RLock()
	if p.paused {
		cont["paused"] = true
		if p.pauseMsg != "" {
			cont["pause_message"] = p.pauseMsg
		}
	}
	p.mu.RUnlock()

	if p.def.SaveState != nil {
		state := make(map[string]interface{})
		if err := p.def.SaveState(p, state); err != nil {
			return nil, &persist.SerializationError{Field: "continuation", Err: err}
		}
		if len(state) > 0 {
			cont["state"] = state
		}
	}

	return &persist.Bundle{
		TypeID:       p.def.TypeID,
		PID:          p.pid,
		Label:        string(st.Label()),
		Inputs:       p.Inputs(),
		Outputs:      p.Outputs(),
		Continuation: cont,
	}, nil
}

// NewFromBundle reconstructs a process from a checkpoint. The bundle's type
// id must resolve in the registry and its continuation must name a step the
// definition still has. The rebuilt process re-enters the recorded label
// without firing checkpoints or broadcasts; once stepped it resumes exactly
// where the snapshot was taken. A nil registry means the default one.
func NewFromBundle(bundle *persist.Bundle, registry *TypeRegistry, opts ...Option) (*Process, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	factory, err := registry.Resolve(bundle.TypeID)
	if err != nil {
		return nil, &persist.ReconstructionError{TypeID: bundle.TypeID, Reason: "unknown process type", Err: err}
	}
	def := factory()
	if err := def.validate(); err != nil {
		return nil, &persist.ReconstructionError{TypeID: bundle.TypeID, Reason: "factory produced an invalid definition", Err: err}
	}

	var cont continuationState
	if err := decodeContinuation(bundle.Continuation, &cont); err != nil {
		return nil, &persist.ReconstructionError{TypeID: bundle.TypeID, Reason: "malformed continuation", Err: err}
	}

	cfg := defaultProcessConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.scheduler == nil {
		return nil, fmt.Errorf("process requires a scheduler")
	}
	cfg.pid = bundle.PID

	p := buildProcess(def, cfg)
	p.inputs = copyMap(bundle.Inputs)
	p.outputs = copyMap(bundle.Outputs)

	if def.Init != nil {
		if err := def.Init(p); err != nil {
			return nil, &persist.ReconstructionError{TypeID: bundle.TypeID, Reason: "definition init failed", Err: err}
		}
	}
	if def.LoadState != nil {
		if err := def.LoadState(p, cont.State); err != nil {
			return nil, &persist.ReconstructionError{TypeID: bundle.TypeID, Reason: "definition state restore failed", Err: err}
		}
	}

	state, err := stateForLabel(bundle, cont, def)
	if err != nil {
		return nil, err
	}
	terminal := state.Terminal()

	if !terminal {
		if err := p.register(); err != nil {
			return nil, err
		}
	}
	// Re-entering a saved label is not a transition: no checkpoint, no
	// broadcast. The observer attaches afterwards.
	if err := p.machine.Initialize(state); err != nil {
		p.unregister()
		return nil, &persist.ReconstructionError{TypeID: bundle.TypeID, Reason: "failed to restore state", Err: err}
	}
	p.machine.AddObserver(p.onHook)

	p.mu.Lock()
	p.paused = cont.Paused
	p.pauseMsg = cont.PauseMessage
	p.mu.Unlock()

	if terminal {
		p.finalize()
	}
	return p, nil
}

// stateForLabel rebuilds the state value recorded in the bundle.
func stateForLabel(bundle *persist.Bundle, cont continuationState, def *Definition) (fsm.State, error) {
	switch fsm.Label(bundle.Label) {
	case LabelCreated:
		return Created{}, nil
	case LabelRunning:
		if err := checkResumeStep(def, cont.Step); err != nil {
			return nil, &persist.ReconstructionError{TypeID: bundle.TypeID, Reason: "stale resume token", Err: err}
		}
		return Running{Step: cont.Step}, nil
	case LabelWaiting:
		if err := checkResumeStep(def, cont.Step); err != nil {
			return nil, &persist.ReconstructionError{TypeID: bundle.TypeID, Reason: "stale resume token", Err: err}
		}
		return Waiting{Step: cont.Step, Message: cont.Message}, nil
	case LabelFinished:
		return Finished{Outputs: copyMap(bundle.Outputs), Successful: cont.Successful}, nil
	case LabelExcepted:
		cause := cont.Cause
		if cause == "" {
			cause = "unknown failure"
		}
		return Excepted{Err: errors.New(cause)}, nil
	case LabelKilled:
		return Killed{Message: cont.Cause}, nil
	default:
		return nil, &persist.ReconstructionError{
			TypeID: bundle.TypeID,
			Reason: fmt.Sprintf("unknown state label %q", bundle.Label),
		}
	}
}

func checkResumeStep(def *Definition, step string) error {
	if step == "" {
		return fmt.Errorf("continuation names no step")
	}
	if _, ok := def.Steps[step]; !ok {
		return fmt.Errorf("continuation names unknown step %q", step)
	}
	return nil
}

// decodeContinuation tolerates the type drift of encoding round trips, such
// as JSON numbers arriving as float64.
func decodeContinuation(m map[string]interface{}, out *continuationState) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}
