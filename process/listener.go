package process

import "github.com/glimte/procmate-go/fsm"

// Listener observes a process's lifecycle in-process, without going through
// the broker. Callbacks run synchronously on the scheduler turn that caused
// them and must not block; the process clears its listener list right after
// the terminal notification, breaking the reference cycle.
type Listener interface {
	OnStateChanged(p *Process, from, to fsm.Label)
}

// PauseListener is implemented by listeners that also care about the
// orthogonal pause flag, which changes without a state transition.
type PauseListener interface {
	OnPaused(p *Process, msg string)
	OnPlayed(p *Process)
}

// OutputListener is implemented by listeners observing outputs as they are
// emitted rather than at termination.
type OutputListener interface {
	OnOutputEmitted(p *Process, name string, value interface{})
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(p *Process, from, to fsm.Label)

// OnStateChanged implements Listener.
func (f ListenerFunc) OnStateChanged(p *Process, from, to fsm.Label) {
	f(p, from, to)
}
