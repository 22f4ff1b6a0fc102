package comms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/procmate-go/contracts"
)

// DefaultTaskQueue is the queue launch and continue tasks ride on unless a
// host serves a dedicated one.
const DefaultTaskQueue = "procmate.tasks"

// ProcessHost is the engine-side surface the launcher drives. It creates or
// reconstructs processes in response to task envelopes; the returned result
// map becomes the acknowledgement body.
type ProcessHost interface {
	// LaunchProcess creates a process of the registered type and schedules
	// it. With Nowait set the result carries only the new pid; otherwise
	// the call blocks until the process terminates and the result carries
	// pid and outputs.
	LaunchProcess(ctx context.Context, task contracts.LaunchTask) (map[string]interface{}, error)
	// ContinueProcess reconstructs a checkpointed process and resumes it,
	// with the same Nowait split as LaunchProcess.
	ContinueProcess(ctx context.Context, task contracts.ContinueTask) (map[string]interface{}, error)
}

// Launcher serves a task queue on behalf of a ProcessHost, decoding launch
// and continue tasks and acknowledging each with the host's outcome.
type Launcher struct {
	host   ProcessHost
	queue  string
	logger *slog.Logger
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithLauncherQueue serves a non-default task queue.
func WithLauncherQueue(queue string) LauncherOption {
	return func(l *Launcher) {
		if queue != "" {
			l.queue = queue
		}
	}
}

// WithLauncherLogger sets the logger for task diagnostics.
func WithLauncherLogger(logger *slog.Logger) LauncherOption {
	return func(l *Launcher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLauncher creates a launcher serving the given host.
func NewLauncher(host ProcessHost, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		host:   host,
		queue:  DefaultTaskQueue,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Queue returns the task queue this launcher serves.
func (l *Launcher) Queue() string {
	return l.queue
}

// Register subscribes the launcher to its task queue on the communicator.
func (l *Launcher) Register(comm Communicator) error {
	if comm == nil {
		return fmt.Errorf("communicator is nil")
	}
	return comm.AddTaskSubscriber(l.queue, l.HandleTask)
}

// Unregister drops the launcher's task subscription.
func (l *Launcher) Unregister(comm Communicator) error {
	if comm == nil {
		return nil
	}
	return comm.RemoveTaskSubscriber(l.queue)
}

// HandleTask decodes a task envelope and invokes the host. Failures become
// error acknowledgements rather than handler errors, so senders always get
// a correlated reply.
func (l *Launcher) HandleTask(ctx context.Context, env *contracts.Envelope) (*contracts.Response, error) {
	if err := env.Validate(); err != nil {
		return contracts.NewErrorResponse(correlationOf(env), err.Error()), nil
	}

	switch env.Kind {
	case contracts.KindLaunch:
		var task contracts.LaunchTask
		if err := contracts.DecodePayload(env.Payload, &task); err != nil {
			return contracts.NewErrorResponse(env.CorrelationID, err.Error()), nil
		}
		if task.TypeID == "" {
			return contracts.NewErrorResponse(env.CorrelationID, "launch task missing type_id"), nil
		}
		result, err := l.host.LaunchProcess(ctx, task)
		if err != nil {
			l.logger.Warn("launch task failed", "type_id", task.TypeID, "error", err)
			return contracts.NewErrorResponse(env.CorrelationID, err.Error()), nil
		}
		return contracts.NewOKResponse(env.CorrelationID, result), nil

	case contracts.KindContinue:
		var task contracts.ContinueTask
		if err := contracts.DecodePayload(env.Payload, &task); err != nil {
			return contracts.NewErrorResponse(env.CorrelationID, err.Error()), nil
		}
		if task.PID == "" {
			return contracts.NewErrorResponse(env.CorrelationID, "continue task missing pid"), nil
		}
		result, err := l.host.ContinueProcess(ctx, task)
		if err != nil {
			l.logger.Warn("continue task failed", "pid", task.PID, "error", err)
			return contracts.NewErrorResponse(env.CorrelationID, err.Error()), nil
		}
		return contracts.NewOKResponse(env.CorrelationID, result), nil

	default:
		return contracts.NewErrorResponse(env.CorrelationID, fmt.Sprintf("unsupported task kind %q", env.Kind)), nil
	}
}

func correlationOf(env *contracts.Envelope) string {
	if env == nil {
		return ""
	}
	return env.CorrelationID
}
