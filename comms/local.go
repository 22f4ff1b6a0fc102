package comms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/procmate-go/contracts"
)

// broadcastSub pairs a subject pattern with its handler.
type broadcastSub struct {
	pattern string
	handler BroadcastHandler
}

// pendingTask is a task buffered while its queue has no subscriber.
type pendingTask struct {
	env    *contracts.Envelope
	future *Future
}

// LocalCommunicator routes envelopes between controllers and processes
// inside a single Go process. It honors the same contract as the broker
// transport: RPC sends resolve a Future with the subscriber's response,
// broadcasts fan out to every matching pattern, and tasks are buffered until
// a queue gains a subscriber. Code written against it moves to a broker
// unchanged.
type LocalCommunicator struct {
	mu         sync.RWMutex
	rpc        map[string]RPCHandler
	tasks      map[string]TaskHandler
	broadcasts map[string]broadcastSub
	buffered   map[string][]pendingTask
	closed     bool
	logger     *slog.Logger
}

// LocalOption configures a LocalCommunicator.
type LocalOption func(*LocalCommunicator)

// WithLocalLogger sets the logger used for dispatch diagnostics.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(c *LocalCommunicator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewLocalCommunicator creates an in-process communicator.
func NewLocalCommunicator(opts ...LocalOption) *LocalCommunicator {
	c := &LocalCommunicator{
		rpc:        make(map[string]RPCHandler),
		tasks:      make(map[string]TaskHandler),
		broadcasts: make(map[string]broadcastSub),
		buffered:   make(map[string][]pendingTask),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RPCSend delivers an envelope to the target's RPC subscriber. If no
// subscriber is registered the returned future stays unresolved, exactly as
// an unrouted broker message would; callers bound the wait themselves.
func (c *LocalCommunicator) RPCSend(ctx context.Context, target string, env *contracts.Envelope) (*Future, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	handler, ok := c.rpc[target]
	c.mu.RUnlock()

	future := NewFuture()
	if !ok {
		c.logger.Debug("rpc target has no subscriber", "target", target)
		return future, nil
	}
	go c.dispatch(handler, env, future)
	return future, nil
}

// Broadcast fans the envelope out to every subscriber whose pattern matches
// the subject. Handlers run on their own goroutines; a broadcast with no
// matching subscriber is not an error.
func (c *LocalCommunicator) Broadcast(ctx context.Context, subject string, env *contracts.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope is nil")
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	var matched []BroadcastHandler
	for _, sub := range c.broadcasts {
		if contracts.MatchSubject(sub.pattern, subject) {
			matched = append(matched, sub.handler)
		}
	}
	c.mu.RUnlock()

	for _, handler := range matched {
		go handler(context.Background(), subject, env)
	}
	return nil
}

// TaskSend hands an envelope to the queue's task subscriber. Without a
// subscriber the task is buffered and delivered once one registers,
// mirroring a durable broker queue.
func (c *LocalCommunicator) TaskSend(ctx context.Context, queue string, env *contracts.Envelope) (*Future, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	handler, ok := c.tasks[queue]
	future := NewFuture()
	if !ok {
		c.buffered[queue] = append(c.buffered[queue], pendingTask{env: env, future: future})
		c.mu.Unlock()
		c.logger.Debug("task buffered until queue gains a subscriber", "queue", queue)
		return future, nil
	}
	c.mu.Unlock()

	go c.dispatch(taskAsRPC(handler), env, future)
	return future, nil
}

// AddRPCSubscriber registers the handler owning the target identifier.
// A target accepts exactly one subscriber.
func (c *LocalCommunicator) AddRPCSubscriber(target string, handler RPCHandler) error {
	if handler == nil {
		return fmt.Errorf("handler is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, exists := c.rpc[target]; exists {
		return fmt.Errorf("rpc subscriber already registered for %q", target)
	}
	c.rpc[target] = handler
	return nil
}

// RemoveRPCSubscriber drops the target's subscriber. Removing an absent
// subscriber is a no-op.
func (c *LocalCommunicator) RemoveRPCSubscriber(target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rpc, target)
	return nil
}

// AddBroadcastSubscriber registers a handler for every broadcast whose
// subject matches the pattern. It returns an identifier for removal.
func (c *LocalCommunicator) AddBroadcastSubscriber(pattern string, handler BroadcastHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	id := uuid.New().String()
	c.broadcasts[id] = broadcastSub{pattern: pattern, handler: handler}
	return id, nil
}

// RemoveBroadcastSubscriber drops the subscription with the given id.
func (c *LocalCommunicator) RemoveBroadcastSubscriber(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.broadcasts, id)
	return nil
}

// AddTaskSubscriber registers the queue's worker and drains any tasks
// buffered while the queue had no subscriber.
func (c *LocalCommunicator) AddTaskSubscriber(queue string, handler TaskHandler) error {
	if handler == nil {
		return fmt.Errorf("handler is nil")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, exists := c.tasks[queue]; exists {
		c.mu.Unlock()
		return fmt.Errorf("task subscriber already registered for %q", queue)
	}
	c.tasks[queue] = handler
	backlog := c.buffered[queue]
	delete(c.buffered, queue)
	c.mu.Unlock()

	for _, task := range backlog {
		go c.dispatch(taskAsRPC(handler), task.env, task.future)
	}
	return nil
}

// RemoveTaskSubscriber drops the queue's worker.
func (c *LocalCommunicator) RemoveTaskSubscriber(queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, queue)
	return nil
}

// Close stops routing. In-flight handler goroutines finish on their own;
// every later operation returns ErrClosed.
func (c *LocalCommunicator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.rpc = make(map[string]RPCHandler)
	c.tasks = make(map[string]TaskHandler)
	c.broadcasts = make(map[string]broadcastSub)
	c.buffered = make(map[string][]pendingTask)
	return nil
}

// dispatch invokes a handler and resolves the future with its outcome. A
// handler error becomes an error acknowledgement, the same shape a remote
// server would publish.
func (c *LocalCommunicator) dispatch(handler RPCHandler, env *contracts.Envelope, future *Future) {
	resp, err := handler(context.Background(), env)
	if err != nil {
		future.SetResult(contracts.NewErrorResponse(env.CorrelationID, err.Error()))
		return
	}
	if resp == nil {
		resp = contracts.NewOKResponse(env.CorrelationID, nil)
	}
	future.SetResult(resp)
}

func taskAsRPC(handler TaskHandler) RPCHandler {
	return func(ctx context.Context, env *contracts.Envelope) (*contracts.Response, error) {
		return handler(ctx, env)
	}
}
