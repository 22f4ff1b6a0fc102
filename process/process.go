package process

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/procmate-go/comms"
	"github.com/glimte/procmate-go/contracts"
	"github.com/glimte/procmate-go/fsm"
	"github.com/glimte/procmate-go/persist"
)

// FinalCheckpointTag is the checkpoint slot terminal states are written to.
// The untagged slot always holds the latest resumable snapshot, so a killed
// process can be continued from where the kill landed.
const FinalCheckpointTag = "final"

const (
	defaultBroadcastTimeout  = 5 * time.Second
	defaultCheckpointTimeout = 10 * time.Second
)

// Process is a resumable unit of work driven by a scheduler. Its lifecycle
// lives in a state machine; every mutation runs as a scheduler turn, so the
// public control surface can be called from any goroutine.
type Process struct {
	def       *Definition
	pid       string
	machine   *fsm.Machine
	scheduler *Scheduler
	persister persist.Persister
	comm      comms.Communicator
	logger    *slog.Logger

	// ctx is handed to step functions and cancelled when a kill is
	// requested or the process terminates.
	ctx    context.Context
	cancel context.CancelFunc

	// inputs are immutable once validated.
	inputs map[string]interface{}

	mu             sync.RWMutex
	outputs        map[string]interface{}
	paused         bool
	pauseMsg       string
	cancelAutoPlay func()
	pendingResume  func()
	killRequested  bool
	killMsg        string
	resumed        interface{}
	stepScheduled  bool
	launched       bool
	finalized      bool
	waitSeq        uint64
	listeners      []Listener
	broadcastSub   string
	routed         bool

	done chan struct{}

	broadcastTimeout  time.Duration
	checkpointTimeout time.Duration
}

type config struct {
	pid               string
	scheduler         *Scheduler
	persister         persist.Persister
	comm              comms.Communicator
	logger            *slog.Logger
	listeners         []Listener
	broadcastTimeout  time.Duration
	checkpointTimeout time.Duration
}

// Option configures a process at creation.
type Option func(*config)

// WithPID fixes the process identifier instead of generating one.
func WithPID(pid string) Option {
	return func(c *config) {
		if pid != "" {
			c.pid = pid
		}
	}
}

// WithScheduler sets the scheduler driving the process. Required.
func WithScheduler(s *Scheduler) Option {
	return func(c *config) { c.scheduler = s }
}

// WithPersister enables checkpointing on every transition.
func WithPersister(p persist.Persister) Option {
	return func(c *config) { c.persister = p }
}

// WithCommunicator wires the process to a broker: it answers control
// messages addressed to its pid and broadcasts its state changes.
func WithCommunicator(comm comms.Communicator) Option {
	return func(c *config) { c.comm = comm }
}

// WithLogger sets the process logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithListener attaches a lifecycle listener at creation.
func WithListener(l Listener) Option {
	return func(c *config) {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

// WithBroadcastTimeout bounds each state-change broadcast.
func WithBroadcastTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.broadcastTimeout = d
		}
	}
}

// WithCheckpointTimeout bounds each checkpoint write.
func WithCheckpointTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.checkpointTimeout = d
		}
	}
}

func defaultProcessConfig() config {
	return config{
		logger:            slog.Default(),
		broadcastTimeout:  defaultBroadcastTimeout,
		checkpointTimeout: defaultCheckpointTimeout,
	}
}

// New creates a process in its initial state. Inputs are validated first;
// a validation failure aborts creation rather than producing an excepted
// process. Creation registers the control handlers and fires the entry
// checkpoint and broadcast for the initial state.
func New(def *Definition, inputs map[string]interface{}, opts ...Option) (*Process, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	cfg := defaultProcessConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.scheduler == nil {
		return nil, fmt.Errorf("process requires a scheduler")
	}

	validator := def.Validator
	if validator == nil {
		validator = PassthroughValidator{}
	}
	validated, err := validator.Validate(copyMap(inputs))
	if err != nil {
		return nil, fmt.Errorf("input validation failed: %w", err)
	}

	p := buildProcess(def, cfg)
	p.inputs = validated

	if def.Init != nil {
		if err := def.Init(p); err != nil {
			return nil, fmt.Errorf("definition init failed: %w", err)
		}
	}
	if err := p.register(); err != nil {
		return nil, err
	}
	p.machine.AddObserver(p.onHook)
	if err := p.machine.Initialize(Created{}); err != nil {
		p.unregister()
		return nil, err
	}
	return p, nil
}

func buildProcess(def *Definition, cfg config) *Process {
	pid := cfg.pid
	if pid == "" {
		pid = uuid.New().String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		def:               def,
		pid:               pid,
		scheduler:         cfg.scheduler,
		persister:         cfg.persister,
		comm:              cfg.comm,
		logger:            cfg.logger,
		ctx:               ctx,
		cancel:            cancel,
		outputs:           make(map[string]interface{}),
		listeners:         append([]Listener(nil), cfg.listeners...),
		done:              make(chan struct{}),
		broadcastTimeout:  cfg.broadcastTimeout,
		checkpointTimeout: cfg.checkpointTimeout,
	}
	p.machine = fsm.New(transitionTable(), fsm.WithLogger(cfg.logger))
	return p
}

// PID returns the process identifier.
func (p *Process) PID() string { return p.pid }

// TypeID returns the registered type identifier of the definition.
func (p *Process) TypeID() string { return p.def.TypeID }

// Label returns the current lifecycle label.
func (p *Process) Label() fsm.Label { return p.machine.CurrentLabel() }

// State returns the current lifecycle state with its payload.
func (p *Process) State() fsm.State { return p.machine.Current() }

// History returns the labels the process has occupied, oldest first.
func (p *Process) History() []fsm.Label { return p.machine.History() }

// Paused reports the orthogonal pause flag.
func (p *Process) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// PauseMessage returns the reason recorded by the pause in effect.
func (p *Process) PauseMessage() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pauseMsg
}

// Inputs returns a copy of the validated inputs.
func (p *Process) Inputs() map[string]interface{} {
	return copyMap(p.inputs)
}

// Input returns a single validated input.
func (p *Process) Input(name string) (interface{}, bool) {
	v, ok := p.inputs[name]
	return v, ok
}

// Outputs returns a copy of the outputs recorded so far.
func (p *Process) Outputs() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyMap(p.outputs)
}

// SetOutput records a named output. Outputs recorded before a failure are
// preserved and stay visible on the dead process.
func (p *Process) SetOutput(name string, value interface{}) {
	p.mu.Lock()
	if p.outputs == nil {
		p.outputs = make(map[string]interface{})
	}
	p.outputs[name] = value
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		if ol, ok := l.(OutputListener); ok {
			ol.OnOutputEmitted(p, name, value)
		}
	}
}

// AddListener attaches a lifecycle listener. Listeners on a terminal
// process are dropped immediately: the terminal notification already went
// out.
func (p *Process) AddListener(l Listener) {
	if l == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return
	}
	p.listeners = append(p.listeners, l)
}

// RemoveListener detaches a lifecycle listener.
func (p *Process) RemoveListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.listeners {
		if existing == l {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

// Launch schedules the process's first turn: the move out of the initial
// state and into the step loop.
func (p *Process) Launch() error {
	p.mu.Lock()
	p.launched = true
	p.mu.Unlock()
	return p.scheduleStep()
}

// Wait blocks until the process reaches a terminal state or the context is
// cancelled.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the process terminates. Together with Value it makes
// a process awaitable by another process.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Value returns the terminal outcome, satisfying the Awaitable surface.
func (p *Process) Value() (interface{}, error) {
	outputs, err := p.Result()
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// Result returns the outputs of a finished process. An excepted process
// yields its recorded cause, a killed one a *KilledError; before
// termination Result returns ErrNotTerminated.
func (p *Process) Result() (map[string]interface{}, error) {
	switch st := p.machine.Current().(type) {
	case Finished:
		return copyMap(st.Outputs), nil
	case Excepted:
		if st.Err != nil {
			return nil, st.Err
		}
		return nil, fmt.Errorf("process excepted: %s", st.Cause())
	case Killed:
		return nil, &KilledError{Message: st.Message}
	default:
		return nil, ErrNotTerminated
	}
}

// Status reports the control-plane view: label, terminality, the pause
// flag and the cause for a killed or excepted process.
func (p *Process) Status() contracts.StatusReport {
	report := contracts.StatusReport{PID: p.pid, Paused: p.Paused()}
	st := p.machine.Current()
	if st == nil {
		return report
	}
	report.Label = string(st.Label())
	report.Terminal = st.Terminal()
	switch s := st.(type) {
	case Killed:
		report.Cause = s.Message
	case Excepted:
		report.Cause = s.Cause()
	}
	return report
}

// Pause stops the step loop between turns without changing the lifecycle
// label. It reports whether the process is paused after the call; a
// terminal process cannot pause. Pause is part of the external control
// surface: step functions suspend by returning directives instead.
func (p *Process) Pause(msg string) bool {
	return p.PauseFor(msg, 0)
}

// PauseFor pauses with an automatic play once the timeout elapses. A
// non-positive timeout pauses indefinitely.
func (p *Process) PauseFor(msg string, timeout time.Duration) bool {
	result := false
	if !p.runTurn(func() { result = p.pauseNow(msg, timeout) }) {
		return false
	}
	return result
}

// Play lifts a pause. It reports whether the process is unpaused after the
// call; playing an unpaused process is a no-op success. A resumption
// trigger queued during the pause fires on the next scheduler turn.
func (p *Process) Play() bool {
	result := false
	if !p.runTurn(func() { result = p.playNow() }) {
		return false
	}
	return result
}

// Kill forces the process into its killed state, recording msg as the
// cause. The kill pre-empts an in-flight step's directive and takes effect
// no later than the next scheduler turn. It reports true when the process
// ends up killed by this or an earlier kill, false when it already
// finished or excepted.
func (p *Process) Kill(msg string) bool {
	p.mu.Lock()
	alreadyFinal := p.finalized
	if !alreadyFinal && !p.killRequested {
		p.killRequested = true
		p.killMsg = msg
	}
	p.mu.Unlock()

	if alreadyFinal {
		_, killed := p.machine.Current().(Killed)
		return killed
	}

	// Unblock user code inside the in-flight step.
	p.cancel()

	result := false
	if !p.runTurn(func() { result = p.killTurn() }) {
		_, killed := p.machine.Current().(Killed)
		return killed
	}
	return result
}

// Resume delivers a resumption trigger by hand, for processes parked by a
// bare Wait directive. The value becomes the next step's ResumedValue.
// Stale triggers, those for a wait the process already left, are dropped.
func (p *Process) Resume(value interface{}) {
	p.mu.RLock()
	seq := p.waitSeq
	p.mu.RUnlock()
	if err := p.scheduler.CallSoon(func() { p.deliverResume(seq, value, nil) }); err != nil {
		p.logger.Debug("resume dropped, scheduler stopped", "pid", p.pid)
	}
}

// ResumedValue returns the value delivered by the trigger that lifted the
// most recent wait.
func (p *Process) ResumedValue() interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resumed
}

// runTurn posts fn to the scheduler and blocks until it ran. It reports
// false when the scheduler stopped before the turn could run.
func (p *Process) runTurn(fn func()) bool {
	ran := make(chan struct{})
	if err := p.scheduler.CallSoon(func() { defer close(ran); fn() }); err != nil {
		return false
	}
	select {
	case <-ran:
		return true
	case <-p.scheduler.Done():
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// scheduleStep queues the next step turn, coalescing duplicates.
func (p *Process) scheduleStep() error {
	p.mu.Lock()
	if p.finalized || p.stepScheduled {
		p.mu.Unlock()
		return nil
	}
	p.stepScheduled = true
	p.mu.Unlock()

	if err := p.scheduler.CallSoon(p.stepTurn); err != nil {
		p.mu.Lock()
		p.stepScheduled = false
		p.mu.Unlock()
		return err
	}
	return nil
}

// stepTurn is one iteration of the step loop. It runs on the scheduler.
func (p *Process) stepTurn() {
	p.mu.Lock()
	p.stepScheduled = false
	paused := p.paused
	killRequested := p.killRequested
	killMsg := p.killMsg
	p.mu.Unlock()

	if killRequested {
		p.killNow(killMsg)
		return
	}
	if paused {
		// Play reschedules the loop.
		return
	}

	switch st := p.machine.Current().(type) {
	case Created:
		if p.transitionTo(Running{Step: p.def.Entry}) != nil {
			return
		}
		if err := p.scheduleStep(); err != nil {
			p.logger.Warn("failed to schedule entry step", "pid", p.pid, "error", err)
		}
	case Running:
		p.executeStep(st.Step)
	default:
		// Waiting resumes through triggers; terminal states take no turns.
	}
}

// executeStep runs one step function and applies its directive, unless a
// kill arrived while the step was executing.
func (p *Process) executeStep(name string) {
	fn, ok := p.def.Steps[name]
	if !ok {
		p.except(&StepError{Step: name, Err: fmt.Errorf("step %q is not defined", name)})
		return
	}

	directive := p.invokeStep(name, fn)

	p.mu.Lock()
	killRequested := p.killRequested
	killMsg := p.killMsg
	p.mu.Unlock()
	if killRequested {
		// The kill pre-empts whatever the step decided.
		p.killNow(killMsg)
		return
	}
	p.dispatch(name, directive)
}

// invokeStep calls user code, converting a panic into a raise so one bad
// step cannot take the scheduler down.
func (p *Process) invokeStep(name string, fn StepFunc) (d Directive) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("step panicked",
				"pid", p.pid,
				"step", name,
				"panic", r,
				"stack", string(debug.Stack()))
			d = Raise(fmt.Errorf("step panicked: %v", r))
		}
	}()
	return fn(p.ctx, p)
}

// dispatch applies a step's directive.
func (p *Process) dispatch(stepName string, d Directive) {
	switch d.kind {
	case directiveContinue:
		if !p.hasStep(d.next) {
			p.except(&StepError{Step: stepName, Err: fmt.Errorf("continue names unknown step %q", d.next)})
			return
		}
		if p.transitionTo(Running{Step: d.next}) != nil {
			return
		}
		if err := p.scheduleStep(); err != nil {
			p.logger.Warn("failed to schedule step", "pid", p.pid, "step", d.next, "error", err)
		}

	case directiveWait:
		if !p.hasStep(d.next) {
			p.except(&StepError{Step: stepName, Err: fmt.Errorf("wait names unknown step %q", d.next)})
			return
		}
		seq := p.nextWaitSeq()
		if p.transitionTo(Waiting{Step: d.next, Message: d.message}) != nil {
			return
		}
		if d.await != nil {
			p.watchAwaitable(seq, d.await)
		}

	case directiveFinish:
		for name, value := range d.outputs {
			p.SetOutput(name, value)
		}
		p.transitionTo(Finished{Outputs: p.Outputs(), Successful: true})

	case directiveRaise:
		err := d.err
		if err == nil {
			err = fmt.Errorf("step raised a nil error")
		}
		p.except(&StepError{Step: stepName, Err: err})

	default:
		p.except(&StepError{Step: stepName, Err: fmt.Errorf("step returned an invalid directive")})
	}
}

func (p *Process) hasStep(name string) bool {
	_, ok := p.def.Steps[name]
	return ok
}

func (p *Process) nextWaitSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitSeq++
	return p.waitSeq
}

// watchAwaitable posts a resumption trigger when the awaitable completes.
// The watcher dies with the process, so a kill while waiting leaks nothing.
func (p *Process) watchAwaitable(seq uint64, aw Awaitable) {
	go func() {
		select {
		case <-aw.Done():
			value, err := aw.Value()
			if serr := p.scheduler.CallSoon(func() { p.deliverResume(seq, value, err) }); serr != nil {
				p.logger.Debug("resumption dropped, scheduler stopped", "pid", p.pid)
			}
		case <-p.done:
		}
	}()
}

// deliverResume applies a resumption trigger on the loop. While paused the
// trigger is queued and re-posted by Play; a trigger for a wait the process
// already left is dropped.
func (p *Process) deliverResume(seq uint64, value interface{}, err error) {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return
	}
	if p.paused {
		p.pendingResume = func() { p.deliverResume(seq, value, err) }
		p.mu.Unlock()
		return
	}
	current := p.waitSeq
	p.mu.Unlock()
	if seq != current {
		return
	}
	st, ok := p.machine.Current().(Waiting)
	if !ok {
		return
	}

	if err != nil {
		p.except(&StepError{Step: st.Step, Err: fmt.Errorf("wait failed: %w", err)})
		return
	}
	p.mu.Lock()
	p.resumed = value
	p.mu.Unlock()
	if p.transitionTo(Running{Step: st.Step}) != nil {
		return
	}
	if serr := p.scheduleStep(); serr != nil {
		p.logger.Warn("failed to schedule resumed step", "pid", p.pid, "error", serr)
	}
}

// pauseNow runs on the loop.
func (p *Process) pauseNow(msg string, timeout time.Duration) bool {
	if st := p.machine.Current(); st == nil || st.Terminal() {
		return false
	}
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return true
	}
	p.paused = true
	p.pauseMsg = msg
	p.mu.Unlock()

	if timeout > 0 {
		cancel := p.scheduler.CallLater(timeout, func() { p.playNow() })
		p.mu.Lock()
		p.cancelAutoPlay = cancel
		p.mu.Unlock()
	}
	p.notifyPaused(msg)
	return true
}

// playNow runs on the loop.
func (p *Process) playNow() bool {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return true
	}
	p.paused = false
	p.pauseMsg = ""
	cancelAuto := p.cancelAutoPlay
	p.cancelAutoPlay = nil
	pending := p.pendingResume
	p.pendingResume = nil
	launched := p.launched
	p.mu.Unlock()

	if cancelAuto != nil {
		cancelAuto()
	}
	p.notifyPlayed()

	if pending != nil {
		// The queued trigger fires on the next turn, not inside this one.
		if err := p.scheduler.CallSoon(pending); err != nil {
			p.logger.Warn("failed to replay queued resumption", "pid", p.pid, "error", err)
		}
		return true
	}
	if launched {
		switch p.machine.Current().(type) {
		case Created, Running:
			if err := p.scheduleStep(); err != nil {
				p.logger.Warn("failed to reschedule step loop", "pid", p.pid, "error", err)
			}
		}
	}
	return true
}

// killTurn runs on the loop and reports whether the process is killed
// afterwards.
func (p *Process) killTurn() bool {
	if st := p.machine.Current(); st != nil && st.Terminal() {
		_, killed := st.(Killed)
		return killed
	}
	p.mu.Lock()
	msg := p.killMsg
	p.mu.Unlock()
	p.killNow(msg)
	_, killed := p.machine.Current().(Killed)
	return killed
}

// killNow runs on the loop.
func (p *Process) killNow(msg string) {
	if st := p.machine.Current(); st != nil && st.Terminal() {
		return
	}
	p.mu.Lock()
	p.killRequested = false
	p.mu.Unlock()
	p.transitionTo(Killed{Message: msg})
}

// except moves the process to its excepted state through the table.
func (p *Process) except(err error) {
	p.transitionTo(Excepted{Err: err})
}

// transitionTo performs a table-checked move. A rejected move is always
// fatal: the machine records the failure and the process is forced into
// its excepted state.
func (p *Process) transitionTo(next fsm.State) error {
	err := p.machine.TransitionTo(next)
	if err == nil {
		return nil
	}
	p.logger.Error("transition rejected", "pid", p.pid, "to", next.Label(), "error", err)
	p.forceExcept(err)
	return err
}

// forceExcept enters the excepted state outside the table, for failures
// raised by the transition machinery itself.
func (p *Process) forceExcept(err error) {
	if st := p.machine.Current(); st != nil && st.Terminal() {
		return
	}
	if ferr := p.machine.Force(Excepted{Err: err}); ferr != nil {
		p.logger.Error("failed to enter excepted state", "pid", p.pid, "error", ferr)
	}
}

// onHook observes the state machine: every entered state is checkpointed,
// broadcast and forwarded to listeners, and terminal entries finalize the
// process.
func (p *Process) onHook(hook fsm.Hook, from, to fsm.Label) {
	if hook != fsm.HookEntered {
		return
	}
	p.checkpoint(to)
	p.broadcastStateChange(from, to)
	p.notifyStateChanged(from, to)
	if terminalLabel(to) {
		p.finalize()
	}
}

// checkpoint persists a snapshot. Failure never aborts the transition: the
// process stays live and the failure is logged, at error level for wait
// points since a crash there would lose the resumption.
func (p *Process) checkpoint(to fsm.Label) {
	if p.persister == nil {
		return
	}
	bundle, err := p.Snapshot()
	if err != nil {
		p.logCheckpointFailure(to, err)
		return
	}
	tag := ""
	if terminalLabel(to) {
		tag = FinalCheckpointTag
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.checkpointTimeout)
	defer cancel()
	if err := p.persister.SaveCheckpoint(ctx, bundle, tag); err != nil {
		p.logCheckpointFailure(to, err)
	}
}

func (p *Process) logCheckpointFailure(to fsm.Label, err error) {
	if to == LabelWaiting {
		p.logger.Error("checkpoint failed", "pid", p.pid, "label", to, "error", err)
		return
	}
	p.logger.Warn("checkpoint failed", "pid", p.pid, "label", to, "error", err)
}

// broadcastStateChange publishes the transition on the state_changed
// subject. Broadcast failure is logged and never escalates.
func (p *Process) broadcastStateChange(from, to fsm.Label) {
	if p.comm == nil {
		return
	}
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "none"
	}
	payload, err := contracts.EncodePayload(contracts.StateChangedPayload{From: fromLabel, To: string(to)})
	if err != nil {
		p.logger.Warn("state change broadcast failed", "pid", p.pid, "error", err)
		return
	}
	env := contracts.NewBroadcastEnvelope(contracts.KindStateChanged, p.pid, payload)
	ctx, cancel := context.WithTimeout(context.Background(), p.broadcastTimeout)
	defer cancel()
	subject := contracts.StateChangedSubject(fromLabel, string(to))
	if err := p.comm.Broadcast(ctx, subject, env); err != nil {
		p.logger.Warn("state change broadcast failed",
			"pid", p.pid, "from", fromLabel, "to", to, "error", err)
	}
}

func (p *Process) notifyStateChanged(from, to fsm.Label) {
	p.mu.RLock()
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.RUnlock()
	for _, l := range listeners {
		l.OnStateChanged(p, from, to)
	}
}

func (p *Process) notifyPaused(msg string) {
	p.mu.RLock()
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.RUnlock()
	for _, l := range listeners {
		if pl, ok := l.(PauseListener); ok {
			pl.OnPaused(p, msg)
		}
	}
}

func (p *Process) notifyPlayed() {
	p.mu.RLock()
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.RUnlock()
	for _, l := range listeners {
		if pl, ok := l.(PauseListener); ok {
			pl.OnPlayed(p)
		}
	}
}

// finalize runs once, on the terminal entry: it releases waiters, cancels
// the step context, drops queued work and unhooks the process from the
// broker. The listener list is cleared after the terminal notification went
// out, breaking the listener-process cycle.
func (p *Process) finalize() {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return
	}
	p.finalized = true
	cancelAuto := p.cancelAutoPlay
	p.cancelAutoPlay = nil
	p.pendingResume = nil
	p.listeners = nil
	p.mu.Unlock()

	if cancelAuto != nil {
		cancelAuto()
	}
	p.cancel()
	close(p.done)
	p.unregister()
}

// register subscribes the process to its control surfaces: RPC on its pid
// and the shared control broadcast subject.
func (p *Process) register() error {
	if p.comm == nil {
		return nil
	}
	if err := p.comm.AddRPCSubscriber(p.pid, p.handleRPC); err != nil {
		return fmt.Errorf("failed to register control handler: %w", err)
	}
	sub, err := p.comm.AddBroadcastSubscriber(contracts.ControlWildcard, p.handleControlBroadcast)
	if err != nil {
		_ = p.comm.RemoveRPCSubscriber(p.pid)
		return fmt.Errorf("failed to register control broadcast subscriber: %w", err)
	}
	p.mu.Lock()
	p.routed = true
	p.broadcastSub = sub
	p.mu.Unlock()
	return nil
}

func (p *Process) unregister() {
	if p.comm == nil {
		return
	}
	p.mu.Lock()
	routed := p.routed
	p.routed = false
	sub := p.broadcastSub
	p.broadcastSub = ""
	p.mu.Unlock()

	if routed {
		if err := p.comm.RemoveRPCSubscriber(p.pid); err != nil {
			p.logger.Warn("failed to remove control handler", "pid", p.pid, "error", err)
		}
	}
	if sub != "" {
		if err := p.comm.RemoveBroadcastSubscriber(sub); err != nil {
			p.logger.Warn("failed to remove control broadcast subscriber", "pid", p.pid, "error", err)
		}
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
