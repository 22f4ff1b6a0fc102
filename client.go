package procmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/procmate-go/comms"
	"github.com/glimte/procmate-go/contracts"
	"github.com/glimte/procmate-go/fsm"
	"github.com/glimte/procmate-go/persist"
	"github.com/glimte/procmate-go/process"
	rabbitmqTransport "github.com/glimte/procmate-go/transports/rabbitmq"
)

// ErrEngineClosed is returned by engine operations after Close.
var ErrEngineClosed = errors.New("engine is closed")

// Engine is the main entry point: it owns the scheduler processes run on,
// resolves process types, tracks live processes, serves the launch task
// queue and hands out controllers for remote control. The zero-dependency
// flavor (NewEngine) wires an in-process communicator and an in-memory
// persister; NewClient swaps in the RabbitMQ transport.
type Engine struct {
	scheduler *process.Scheduler
	registry  *process.TypeRegistry
	comm      comms.Communicator
	persister persist.Persister
	logger    *slog.Logger

	launcher   *comms.Launcher
	controller *comms.Controller

	ownsScheduler bool
	ownsComm      bool

	mu     sync.Mutex
	live   map[string]*process.Process
	closed bool
}

// engineConfig holds engine configuration.
type engineConfig struct {
	scheduler    *process.Scheduler
	registry     *process.TypeRegistry
	comm         comms.Communicator
	persister    persist.Persister
	logger       *slog.Logger
	taskQueue    string
	replyTimeout time.Duration
	ownsComm     bool
}

// EngineOption configures the engine.
type EngineOption func(*engineConfig)

// WithScheduler shares an existing scheduler instead of creating one. A
// shared scheduler is not stopped when the engine closes.
func WithScheduler(s *process.Scheduler) EngineOption {
	return func(cfg *engineConfig) {
		if s != nil {
			cfg.scheduler = s
		}
	}
}

// WithRegistry resolves process types from the given registry instead of
// the package-level default one.
func WithRegistry(r *process.TypeRegistry) EngineOption {
	return func(cfg *engineConfig) {
		if r != nil {
			cfg.registry = r
		}
	}
}

// WithCommunicator uses a caller-owned communicator. The engine does not
// close it.
func WithCommunicator(comm comms.Communicator) EngineOption {
	return func(cfg *engineConfig) {
		if comm != nil {
			cfg.comm = comm
			cfg.ownsComm = false
		}
	}
}

// WithPersister stores checkpoints in the given persister.
func WithPersister(p persist.Persister) EngineOption {
	return func(cfg *engineConfig) {
		if p != nil {
			cfg.persister = p
		}
	}
}

// WithLogger sets the logger for the engine and everything it constructs.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(cfg *engineConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithTaskQueue serves and targets a non-default launch task queue.
func WithTaskQueue(queue string) EngineOption {
	return func(cfg *engineConfig) {
		if queue != "" {
			cfg.taskQueue = queue
		}
	}
}

// WithReplyTimeout bounds how long the engine's blocking controller waits
// for each acknowledgement.
func WithReplyTimeout(timeout time.Duration) EngineOption {
	return func(cfg *engineConfig) {
		if timeout > 0 {
			cfg.replyTimeout = timeout
		}
	}
}

func newEngineConfig() *engineConfig {
	return &engineConfig{
		logger:    slog.Default(),
		taskQueue: comms.DefaultTaskQueue,
	}
}

// NewEngine creates a self-contained engine: local communicator, in-memory
// persister, the package default type registry and its own scheduler.
// Options replace any of those parts.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	cfg := newEngineConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.comm == nil {
		cfg.comm = comms.NewLocalCommunicator(comms.WithLocalLogger(cfg.logger))
		cfg.ownsComm = true
	}
	return newEngine(cfg)
}

// NewClient creates an engine controlled over RabbitMQ: processes register
// their control queues on the broker, launch tasks arrive over the task
// queue and state changes fan out over the topic exchange.
func NewClient(uri string, opts ...EngineOption) (*Engine, error) {
	cfg := newEngineConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.comm == nil {
		comm, err := rabbitmqTransport.NewCommunicator(uri,
			rabbitmqTransport.WithCommunicatorLogger(cfg.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		cfg.comm = comm
		cfg.ownsComm = true
	}
	return newEngine(cfg)
}

func newEngine(cfg *engineConfig) (*Engine, error) {
	if cfg.registry == nil {
		cfg.registry = process.DefaultRegistry()
	}
	if cfg.persister == nil {
		cfg.persister = persist.NewInMemoryPersister()
	}

	e := &Engine{
		registry:  cfg.registry,
		comm:      cfg.comm,
		persister: cfg.persister,
		logger:    cfg.logger,
		ownsComm:  cfg.ownsComm,
		live:      make(map[string]*process.Process),
	}

	if cfg.scheduler != nil {
		e.scheduler = cfg.scheduler
	} else {
		e.scheduler = process.NewScheduler(process.WithSchedulerLogger(cfg.logger))
		e.ownsScheduler = true
	}
	e.scheduler.Start()

	e.launcher = comms.NewLauncher(e,
		comms.WithLauncherQueue(cfg.taskQueue),
		comms.WithLauncherLogger(cfg.logger))
	if err := e.launcher.Register(e.comm); err != nil {
		e.teardown()
		return nil, fmt.Errorf("failed to serve task queue: %w", err)
	}

	e.controller = comms.NewController(e.comm,
		comms.WithControllerQueue(cfg.taskQueue),
		comms.WithReplyTimeout(cfg.replyTimeout))

	return e, nil
}

// Launch creates a process of a registered type and schedules it. The
// returned process is already running its first turn; use Wait or the
// controller to follow it.
func (e *Engine) Launch(typeID string, inputs map[string]interface{}, opts ...process.Option) (*process.Process, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	factory, err := e.registry.Resolve(typeID)
	if err != nil {
		return nil, err
	}

	p, err := process.New(factory(), inputs, append(e.processOptions(), opts...)...)
	if err != nil {
		return nil, err
	}

	e.track(p)
	if err := p.Launch(); err != nil {
		e.untrack(p.PID())
		return nil, err
	}
	return p, nil
}

// Continue reconstructs a process from its latest resumable checkpoint and
// resumes it. The untagged slot is tried first; a pid whose untagged slot
// is gone falls back to the terminal snapshot, which is returned already
// finalized for inspection.
func (e *Engine) Continue(ctx context.Context, pid string, opts ...process.Option) (*process.Process, error) {
	return e.continueFrom(ctx, pid, "", opts...)
}

func (e *Engine) continueFrom(ctx context.Context, pid, tag string, opts ...process.Option) (*process.Process, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	bundle, err := e.loadBundle(ctx, pid, tag)
	if err != nil {
		return nil, err
	}

	p, err := process.NewFromBundle(bundle, e.registry, append(e.processOptions(), opts...)...)
	if err != nil {
		return nil, err
	}
	if p.Status().Terminal {
		return p, nil
	}

	e.track(p)
	if err := p.Launch(); err != nil {
		e.untrack(p.PID())
		return nil, err
	}
	if p.Label() == process.LabelWaiting {
		// The trigger the wait was armed with did not survive the
		// checkpoint; continuing means resuming, so fire it now. The value
		// arrives as nil, and a paused process keeps it queued until Play.
		p.Resume(nil)
	}
	return p, nil
}

// loadBundle resolves the checkpoint slot Continue works from.
func (e *Engine) loadBundle(ctx context.Context, pid, tag string) (*persist.Bundle, error) {
	bundle, err := e.persister.LoadCheckpoint(ctx, pid, tag)
	if tag == "" && errors.Is(err, persist.ErrNotFound) {
		bundle, err = e.persister.LoadCheckpoint(ctx, pid, process.FinalCheckpointTag)
	}
	if err != nil {
		return nil, fmt.Errorf("no checkpoint for process %q: %w", pid, err)
	}
	return bundle, nil
}

// LaunchProcess serves LAUNCH tasks from the task queue.
func (e *Engine) LaunchProcess(ctx context.Context, task contracts.LaunchTask) (map[string]interface{}, error) {
	p, err := e.Launch(task.TypeID, task.Inputs)
	if err != nil {
		return nil, err
	}
	if task.Nowait {
		return map[string]interface{}{"pid": p.PID()}, nil
	}
	return e.awaitOutcome(ctx, p)
}

// ContinueProcess serves CONTINUE tasks from the task queue.
func (e *Engine) ContinueProcess(ctx context.Context, task contracts.ContinueTask) (map[string]interface{}, error) {
	p, err := e.continueFrom(ctx, task.PID, task.Tag)
	if err != nil {
		return nil, err
	}
	if task.Nowait {
		return map[string]interface{}{"pid": p.PID()}, nil
	}
	return e.awaitOutcome(ctx, p)
}

// awaitOutcome blocks until the process terminates and shapes the
// acknowledgement body. A killed or excepted process surfaces its cause as
// the task error, which the launcher turns into an error ack.
func (e *Engine) awaitOutcome(ctx context.Context, p *process.Process) (map[string]interface{}, error) {
	if err := p.Wait(ctx); err != nil {
		return nil, fmt.Errorf("process %s did not finish: %w", p.PID(), err)
	}
	outputs, err := p.Result()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"pid": p.PID(), "outputs": outputs}, nil
}

// Process returns a live (non-terminal) process by pid.
func (e *Engine) Process(pid string) (*process.Process, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.live[pid]
	return p, ok
}

// LivePIDs lists the processes the engine currently tracks.
func (e *Engine) LivePIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	pids := make([]string, 0, len(e.live))
	for pid := range e.live {
		pids = append(pids, pid)
	}
	return pids
}

// Controller returns the blocking controller bound to this engine's
// communicator and task queue.
func (e *Engine) Controller() *comms.Controller {
	return e.controller
}

// AsyncController returns the future-based controller flavor.
func (e *Engine) AsyncController() *comms.AsyncController {
	return e.controller.Async()
}

// Communicator returns the engine's communicator.
func (e *Engine) Communicator() comms.Communicator {
	return e.comm
}

// Persister returns the engine's checkpoint store.
func (e *Engine) Persister() persist.Persister {
	return e.persister
}

// Scheduler returns the loop processes run on.
func (e *Engine) Scheduler() *process.Scheduler {
	return e.scheduler
}

// Close stops serving tasks and shuts down what the engine owns. Live
// processes are not killed: their latest resumable checkpoints stay in the
// persister and Continue picks them up after a restart.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.live = make(map[string]*process.Process)
	e.mu.Unlock()

	if err := e.launcher.Unregister(e.comm); err != nil {
		e.logger.Debug("task queue already released", "error", err)
	}
	return e.teardown()
}

func (e *Engine) teardown() error {
	if e.ownsScheduler {
		e.scheduler.Stop()
	}
	if e.ownsComm {
		return e.comm.Close()
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// processOptions is the per-process wiring every engine-launched process
// shares. Caller options append after these, so a test can override the
// pid or add listeners.
func (e *Engine) processOptions() []process.Option {
	return []process.Option{
		process.WithScheduler(e.scheduler),
		process.WithPersister(e.persister),
		process.WithCommunicator(e.comm),
		process.WithLogger(e.logger),
		process.WithListener(&reaper{engine: e}),
	}
}

func (e *Engine) track(p *process.Process) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.live[p.PID()] = p
}

func (e *Engine) untrack(pid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, pid)
}

// reaper drops a process from the live registry on its terminal
// transition.
type reaper struct {
	engine *Engine
}

func (r *reaper) OnStateChanged(p *process.Process, from, to fsm.Label) {
	switch to {
	case process.LabelFinished, process.LabelExcepted, process.LabelKilled:
		r.engine.untrack(p.PID())
	}
}
