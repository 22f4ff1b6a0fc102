package outline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/procmate-go/process"
)

// pendingAwait pairs a context key with the awaitable whose value will fill
// it.
type pendingAwait struct {
	key string
	aw  process.Awaitable
}

// Workflow is the execution state of one outline-driven process: the
// context store shared between steps, the cursor into the outline, and the
// awaitables queued for the next suspension. A fresh Workflow is created
// per process instance; the outline itself is shared and immutable.
type Workflow struct {
	outline *Outline
	logger  *slog.Logger

	mu       sync.RWMutex
	proc     *process.Process
	ctx      map[string]interface{}
	queued   []pendingAwait
	awaiting []pendingAwait
	stepper  Stepper
}

// WorkflowOption configures the definitions a workflow type produces.
type WorkflowOption func(*workflowConfig)

type workflowConfig struct {
	logger    *slog.Logger
	validator process.InputValidator
}

// WithWorkflowLogger sets the logger used for condition diagnostics.
func WithWorkflowLogger(logger *slog.Logger) WorkflowOption {
	return func(c *workflowConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWorkflowValidator validates inputs when a workflow instance is
// created.
func WithWorkflowValidator(v process.InputValidator) WorkflowOption {
	return func(c *workflowConfig) {
		c.validator = v
	}
}

// NewWorkflowType turns an outline into a process factory, ready for the
// type registry. Every instance interprets the outline through a single
// "run" step, one outline node per scheduler turn, so each node boundary is
// a checkpoint and a suspension point.
func NewWorkflowType(typeID string, o *Outline, opts ...WorkflowOption) process.Factory {
	cfg := workflowConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func() *process.Definition {
		w := &Workflow{
			outline: o,
			logger:  cfg.logger,
			ctx:     make(map[string]interface{}),
		}
		return &process.Definition{
			TypeID:    typeID,
			Entry:     "run",
			Steps:     map[string]process.StepFunc{"run": w.run},
			Validator: cfg.validator,
			Init: func(p *process.Process) error {
				w.mu.Lock()
				w.proc = p
				w.mu.Unlock()
				return nil
			},
			SaveState: w.saveState,
			LoadState: w.loadState,
		}
	}
}

// Process returns the process instance this workflow drives.
func (w *Workflow) Process() *process.Process {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.proc
}

// Ctx reads a value from the workflow context store.
func (w *Workflow) Ctx(key string) (interface{}, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.ctx[key]
	return v, ok
}

// SetCtx writes a value into the workflow context store. The store rides
// the checkpoint continuation, so values must survive a structured
// encoding.
func (w *Workflow) SetCtx(key string, value interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ctx[key] = value
}

// ToContext queues an awaitable whose value is assigned to the context
// store under key before the next node runs. The workflow suspends after
// the current node until every queued awaitable resolves; a failed
// awaitable excepts the process.
//
// Awaitables do not cross the persistence boundary: a workflow
// reconstructed from a checkpoint taken mid-wait resumes without them, and
// the keys stay unassigned. Nodes that must survive that path should treat
// a missing key as a request to ask again.
func (w *Workflow) ToContext(key string, aw process.Awaitable) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queued = append(w.queued, pendingAwait{key: key, aw: aw})
}

// Inputs returns the process inputs.
func (w *Workflow) Inputs() map[string]interface{} {
	return w.Process().Inputs()
}

// Input returns one process input.
func (w *Workflow) Input(name string) (interface{}, bool) {
	return w.Process().Input(name)
}

// SetOutput records a process output.
func (w *Workflow) SetOutput(name string, value interface{}) {
	w.Process().SetOutput(name, value)
}

// Outputs returns the outputs recorded so far.
func (w *Workflow) Outputs() map[string]interface{} {
	return w.Process().Outputs()
}

// run interprets the outline. It is the single step of every workflow
// process: each turn collects resolved awaitables, advances the cursor by
// one node and decides how to proceed.
func (w *Workflow) run(ctx context.Context, p *process.Process) process.Directive {
	if err := w.collectResolved(); err != nil {
		return process.Raise(err)
	}

	w.mu.Lock()
	if w.stepper == nil {
		w.stepper = w.outline.createStepper(w)
	}
	stepper := w.stepper
	w.mu.Unlock()

	finished, err := stepper.Step(ctx)
	if errors.Is(err, errReturn) {
		finished, err = true, nil
	}
	if err != nil {
		return process.Raise(err)
	}

	if waiting := w.takeQueued(); len(waiting) > 0 {
		awaitables := make([]process.Awaitable, len(waiting))
		for i, pa := range waiting {
			awaitables[i] = pa.aw
		}
		group := newAwaitGroup(awaitables, p.Done())
		return process.WaitOn("run", fmt.Sprintf("waiting for %d context value(s)", len(waiting)), group)
	}

	if finished {
		return process.Finish(nil)
	}
	return process.Continue("run")
}

// collectResolved assigns the values of awaitables the last suspension
// waited on. It runs before the next node so the node sees them in the
// context store.
func (w *Workflow) collectResolved() error {
	w.mu.Lock()
	awaiting := w.awaiting
	w.awaiting = nil
	w.mu.Unlock()

	for _, pa := range awaiting {
		value, err := pa.aw.Value()
		if err != nil {
			return fmt.Errorf("awaited value for context key %q failed: %w", pa.key, err)
		}
		w.SetCtx(pa.key, value)
	}
	return nil
}

// takeQueued moves the node's ToContext requests into the awaiting slot and
// returns them.
func (w *Workflow) takeQueued() []pendingAwait {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queued) == 0 {
		return nil
	}
	waiting := w.queued
	w.queued = nil
	w.awaiting = waiting
	return waiting
}

// saveState writes the outline cursor and the context store into the
// checkpoint continuation.
func (w *Workflow) saveState(p *process.Process, state map[string]interface{}) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stepper != nil {
		state["cursor"] = w.stepper.Save()
	}
	if len(w.ctx) > 0 {
		ctxCopy := make(map[string]interface{}, len(w.ctx))
		for k, v := range w.ctx {
			ctxCopy[k] = v
		}
		state["ctx"] = ctxCopy
	}
	return nil
}

// loadState rebuilds the cursor and the context store from a checkpoint.
func (w *Workflow) loadState(p *process.Process, state map[string]interface{}) error {
	if len(state) == 0 {
		return nil
	}
	if raw, ok := state["ctx"].(map[string]interface{}); ok {
		w.mu.Lock()
		w.ctx = make(map[string]interface{}, len(raw))
		for k, v := range raw {
			w.ctx[k] = v
		}
		w.mu.Unlock()
	}
	if raw, ok := state["cursor"].(map[string]interface{}); ok {
		stepper, err := w.outline.recreateStepper(raw, w)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.stepper = stepper
		w.mu.Unlock()
	}
	return nil
}

// exprEnv is the environment condition expressions evaluate against.
func (w *Workflow) exprEnv() map[string]interface{} {
	w.mu.RLock()
	ctxCopy := make(map[string]interface{}, len(w.ctx))
	for k, v := range w.ctx {
		ctxCopy[k] = v
	}
	proc := w.proc
	w.mu.RUnlock()

	env := map[string]interface{}{"ctx": ctxCopy}
	if proc != nil {
		env["inputs"] = proc.Inputs()
		env["outputs"] = proc.Outputs()
	}
	return env
}

// awaitGroup resolves once every member has, or never if the process dies
// first. Failures surface through Value so the wait's failure path carries
// the first broken member's error.
type awaitGroup struct {
	done    chan struct{}
	members []process.Awaitable
}

func newAwaitGroup(members []process.Awaitable, procDone <-chan struct{}) *awaitGroup {
	g := &awaitGroup{done: make(chan struct{}), members: members}
	go func() {
		for _, m := range members {
			select {
			case <-m.Done():
			case <-procDone:
				return
			}
		}
		close(g.done)
	}()
	return g
}

func (g *awaitGroup) Done() <-chan struct{} {
	return g.done
}

func (g *awaitGroup) Value() (interface{}, error) {
	for _, m := range g.members {
		if _, err := m.Value(); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
