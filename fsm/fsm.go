package fsm

import (
	"fmt"
	"log/slog"
	"sync"
)

// Label identifies a state within a machine.
type Label string

// State is a named mode of an owning machine. Only the current state exists
// at any time; the machine persists nothing about a state beyond its label.
type State interface {
	Label() Label
	// Terminal reports whether the state accepts no outgoing transitions.
	Terminal() bool
}

// Enterer is implemented by states that run logic when they become current.
type Enterer interface {
	Enter(from Label) error
}

// Exiter is implemented by states that run logic when they stop being current.
type Exiter interface {
	Exit(to Label) error
}

// Hook identifies a point in the transition lifecycle that observers can
// attach to.
type Hook int

const (
	// HookExiting fires before the old state's Exit logic runs.
	HookExiting Hook = iota
	// HookEntering fires after Exit succeeded, before the swap.
	HookEntering
	// HookEntered fires after the new state became current and its Enter
	// logic succeeded.
	HookEntered
)

// String returns the hook name for logging.
func (h Hook) String() string {
	switch h {
	case HookExiting:
		return "exiting"
	case HookEntering:
		return "entering"
	case HookEntered:
		return "entered"
	default:
		return fmt.Sprintf("hook(%d)", int(h))
	}
}

// Observer receives transition lifecycle notifications. Observers run
// outside the machine's lock and may read the machine, but must not start
// another transition.
type Observer func(hook Hook, from, to Label)

// Machine is a reusable finite-state machine: a transition table, the
// current state, a history of labels, and a captured failure if the machine
// died. Transitions are single-writer: no transition may begin while another
// is in progress. Reads are safe from any goroutine.
type Machine struct {
	mu            sync.RWMutex
	table         map[Label][]Label
	current       State
	history       []Label
	failure       error
	observers     []Observer
	transitioning bool
	logger        *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// New creates a machine with the given transition table. The machine has no
// current state until Initialize is called.
func New(table map[Label][]Label, opts ...Option) *Machine {
	m := &Machine{
		table:  table,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddObserver registers a transition observer after construction.
func (m *Machine) AddObserver(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Initialize sets the initial state and fires its entry hook. It must be
// called exactly once before any transition.
func (m *Machine) Initialize(initial State) error {
	if initial == nil {
		return &TransitionError{Reason: "initial state is nil"}
	}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return &TransitionError{To: initial.Label(), Reason: "machine already initialized"}
	}
	m.transitioning = true
	m.mu.Unlock()

	return m.enter(initial, "")
}

// TransitionTo validates the move against the transition table, fires the
// exit hook of the old state and the entry hook of the new state, appends to
// history and atomically replaces the current state. An invalid target or a
// failing hook returns a *TransitionError and records it as the machine
// failure; the owner decides how to surface it.
func (m *Machine) TransitionTo(next State) error {
	if next == nil {
		return m.recordFailure(&TransitionError{Reason: "target state is nil"})
	}

	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return m.recordFailure(&TransitionError{To: next.Label(), Reason: "machine not initialized"})
	}
	if m.transitioning {
		m.mu.Unlock()
		return m.recordFailure(&TransitionError{
			From:   m.CurrentLabel(),
			To:     next.Label(),
			Reason: "transition already in progress",
		})
	}
	from := m.current
	if from.Terminal() || !m.allowedLocked(from.Label(), next.Label()) {
		m.mu.Unlock()
		terr := &TransitionError{
			From:   from.Label(),
			To:     next.Label(),
			Reason: "target not in allowed set",
		}
		return m.recordFailure(terr)
	}
	m.transitioning = true
	m.mu.Unlock()

	if err := m.exit(from, next.Label()); err != nil {
		return err
	}
	return m.enter(next, from.Label())
}

// Force replaces the current state without consulting the transition table.
// Entry hooks and history still apply. It exists so an owner can move the
// machine into its failure state after a transition was rejected; normal
// flow must use TransitionTo.
func (m *Machine) Force(next State) error {
	if next == nil {
		return &TransitionError{Reason: "target state is nil"}
	}

	m.mu.Lock()
	var from Label
	if m.current != nil {
		from = m.current.Label()
	}
	m.transitioning = true
	m.mu.Unlock()

	return m.enter(next, from)
}

// exit runs the exiting half of a transition. The caller must have set the
// transitioning flag.
func (m *Machine) exit(from State, to Label) error {
	m.notify(HookExiting, from.Label(), to)
	if ex, ok := from.(Exiter); ok {
		if err := ex.Exit(to); err != nil {
			m.endTransition()
			return m.recordFailure(&TransitionError{
				From:   from.Label(),
				To:     to,
				Reason: "exit hook failed",
				Err:    err,
			})
		}
	}
	return nil
}

// enter runs the entering half of a transition and finishes it.
func (m *Machine) enter(next State, from Label) error {
	m.notify(HookEntering, from, next.Label())

	m.mu.Lock()
	m.current = next
	m.history = append(m.history, next.Label())
	m.mu.Unlock()

	if en, ok := next.(Enterer); ok {
		if err := en.Enter(from); err != nil {
			m.endTransition()
			return m.recordFailure(&TransitionError{
				From:   from,
				To:     next.Label(),
				Reason: "entry hook failed",
				Err:    err,
			})
		}
	}

	m.notify(HookEntered, from, next.Label())
	m.endTransition()
	return nil
}

func (m *Machine) endTransition() {
	m.mu.Lock()
	m.transitioning = false
	m.mu.Unlock()
}

func (m *Machine) notify(hook Hook, from, to Label) {
	m.mu.RLock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.RUnlock()

	for _, o := range observers {
		o(hook, from, to)
	}
}

// allowedLocked reports whether from -> to is in the transition table.
// Callers hold m.mu.
func (m *Machine) allowedLocked(from, to Label) bool {
	for _, l := range m.table[from] {
		if l == to {
			return true
		}
	}
	return false
}

// Allowed returns the targets reachable from the given label.
func (m *Machine) Allowed(from Label) []Label {
	m.mu.RLock()
	defer m.mu.RUnlock()
	targets := m.table[from]
	out := make([]Label, len(targets))
	copy(out, targets)
	return out
}

// Current returns the current state, or nil before Initialize.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CurrentLabel returns the current state's label, or "" before Initialize.
func (m *Machine) CurrentLabel() Label {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.Label()
}

// History returns the labels the machine has occupied, oldest first.
func (m *Machine) History() []Label {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Label, len(m.history))
	copy(out, m.history)
	return out
}

// Failure returns the error that killed the machine, if any.
func (m *Machine) Failure() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure
}

// Fail records a failure without transitioning. Used by owners that capture
// errors raised outside the transition path.
func (m *Machine) Fail(err error) {
	m.recordFailure(err)
}

func (m *Machine) recordFailure(err error) error {
	if err == nil {
		return nil
	}
	m.mu.Lock()
	if m.failure == nil {
		m.failure = err
	}
	m.mu.Unlock()
	m.logger.Debug("state machine failure recorded", "error", err)
	return err
}
