package comms

import (
	"context"

	"github.com/glimte/procmate-go/contracts"
)

// RPCHandler serves one process's control queue. A returned error becomes an
// error acknowledgement; it never crosses the broker as a Go error.
type RPCHandler func(ctx context.Context, env *contracts.Envelope) (*contracts.Response, error)

// BroadcastHandler observes fire-and-forget envelopes matching a subscribed
// pattern.
type BroadcastHandler func(ctx context.Context, subject string, env *contracts.Envelope)

// TaskHandler serves a shared work queue (process launching).
type TaskHandler func(ctx context.Context, env *contracts.Envelope) (*contracts.Response, error)

// Communicator is the broker client consumed by processes, controllers and
// launchers. Implementations must support concurrent publishing and per-pid
// subscription without cross-talk; the communicator is the only resource
// shared across processes.
type Communicator interface {
	// RPCSend delivers an envelope to the target's control queue and
	// returns a future resolved by the correlated acknowledgement. A target
	// with no subscriber leaves the future unresolved; callers bound the
	// wait themselves.
	RPCSend(ctx context.Context, target string, env *contracts.Envelope) (*Future, error)
	// Broadcast publishes a fire-and-forget envelope under a dotted
	// subject.
	Broadcast(ctx context.Context, subject string, env *contracts.Envelope) error
	// TaskSend delivers an envelope to a shared task queue and returns a
	// future resolved by the worker's acknowledgement.
	TaskSend(ctx context.Context, queue string, env *contracts.Envelope) (*Future, error)

	AddRPCSubscriber(target string, handler RPCHandler) error
	RemoveRPCSubscriber(target string) error
	AddBroadcastSubscriber(pattern string, handler BroadcastHandler) (string, error)
	RemoveBroadcastSubscriber(id string) error
	AddTaskSubscriber(queue string, handler TaskHandler) error
	RemoveTaskSubscriber(queue string) error

	Close() error
}
