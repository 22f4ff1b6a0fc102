// Package rabbitmq carries procmate control traffic over a RabbitMQ broker.
//
// Control RPC flows through per-target queues (procmate.rpc.<pid>) answered
// into one private reply queue per communicator, matched by correlation id.
// State-change broadcasts fan out over a topic exchange; binding patterns
// use the AMQP wildcards that contracts.MatchSubject mirrors, so local and
// brokered subscriptions behave identically. Task queues are durable, which
// gives remote launches the same buffering contract the in-process
// communicator provides.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/procmate-go/comms"
	"github.com/glimte/procmate-go/contracts"
	"github.com/glimte/procmate-go/internal/rabbitmq"
	"github.com/glimte/procmate-go/internal/reliability"
)

// CommunicatorConfig holds configuration for the communicator.
type CommunicatorConfig struct {
	Exchange          string
	Logger            *slog.Logger
	PendingTTL        time.Duration
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	BreakerOptions    []reliability.CircuitBreakerOption
}

// CommunicatorOption configures the communicator.
type CommunicatorOption func(*CommunicatorConfig)

// WithExchange overrides the broadcast exchange name.
func WithExchange(name string) CommunicatorOption {
	return func(cfg *CommunicatorConfig) {
		if name != "" {
			cfg.Exchange = name
		}
	}
}

// WithCommunicatorLogger sets the logger.
func WithCommunicatorLogger(logger *slog.Logger) CommunicatorOption {
	return func(cfg *CommunicatorConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithPublishTimeout bounds publishes whose context has no deadline.
func WithPublishTimeout(timeout time.Duration) CommunicatorOption {
	return func(cfg *CommunicatorConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, rabbitmq.WithPublishTimeout(timeout))
	}
}

// WithReconnectPolicy spaces reconnection attempts after a connection drop.
func WithReconnectPolicy(policy reliability.RetryPolicy) CommunicatorOption {
	return func(cfg *CommunicatorConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, rabbitmq.WithReconnectPolicy(policy))
	}
}

// WithPendingTTL bounds how long an unanswered reply slot is tracked.
// Callers bound their own waits; the TTL only reclaims bookkeeping.
func WithPendingTTL(ttl time.Duration) CommunicatorOption {
	return func(cfg *CommunicatorConfig) {
		if ttl > 0 {
			cfg.PendingTTL = ttl
		}
	}
}

// WithConnectionOptions forwards options to the connection manager.
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) CommunicatorOption {
	return func(cfg *CommunicatorConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions forwards options to the publisher.
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) CommunicatorOption {
	return func(cfg *CommunicatorConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions forwards options to the consumer.
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) CommunicatorOption {
	return func(cfg *CommunicatorConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithBreakerOptions forwards options to the publish circuit breaker.
func WithBreakerOptions(opts ...reliability.CircuitBreakerOption) CommunicatorOption {
	return func(cfg *CommunicatorConfig) {
		cfg.BreakerOptions = append(cfg.BreakerOptions, opts...)
	}
}

// pendingReply tracks a future waiting for a correlated acknowledgement.
type pendingReply struct {
	future *comms.Future
	added  time.Time
}

// broadcastBinding remembers enough of a broadcast subscription to rebuild
// it after a reconnect.
type broadcastBinding struct {
	pattern string
	queue   string
	handler comms.BroadcastHandler
}

// Communicator implements comms.Communicator over RabbitMQ. It registers
// itself as a connection state listener and rebuilds its topology and
// subscriptions whenever the managed connection comes back.
type Communicator struct {
	exchange   string
	logger     *slog.Logger
	pendingTTL time.Duration

	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	breaker   *reliability.CircuitBreaker

	mu            sync.Mutex
	pending       map[string]pendingReply
	rpcSubs       map[string]comms.RPCHandler
	taskSubs      map[string]comms.TaskHandler
	bcastSubs     map[string]*broadcastBinding
	declaredTasks map[string]bool
	replyQueue    string
	replyReady    bool
	closed        bool

	restoreMu sync.Mutex
	done      chan struct{}
}

var _ comms.Communicator = (*Communicator)(nil)
var _ rabbitmq.ConnectionStateListener = (*Communicator)(nil)

// NewCommunicator connects to the broker and declares the broadcast
// exchange. The connection re-dials on its own after drops.
func NewCommunicator(uri string, options ...CommunicatorOption) (*Communicator, error) {
	cfg := &CommunicatorConfig{
		Exchange:   DefaultExchange,
		Logger:     slog.Default(),
		PendingTTL: 5 * time.Minute,
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(uri, connOpts...)
	if err := manager.Connect(context.Background()); err != nil {
		return nil, err
	}

	pool, err := rabbitmq.NewChannelPool(manager)
	if err != nil {
		manager.Close()
		return nil, err
	}

	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)
	breakerOpts := append([]reliability.CircuitBreakerOption{reliability.WithName("amqp-publish")}, cfg.BreakerOptions...)

	c := &Communicator{
		exchange:      cfg.Exchange,
		logger:        cfg.Logger,
		pendingTTL:    cfg.PendingTTL,
		manager:       manager,
		pool:          pool,
		topology:      rabbitmq.NewTopologyManager(pool),
		publisher:     rabbitmq.NewPublisher(manager, cfg.PublisherOptions...),
		consumer:      rabbitmq.NewConsumer(pool, consOpts...),
		breaker:       reliability.NewCircuitBreaker(breakerOpts...),
		pending:       make(map[string]pendingReply),
		rpcSubs:       make(map[string]comms.RPCHandler),
		taskSubs:      make(map[string]comms.TaskHandler),
		bcastSubs:     make(map[string]*broadcastBinding),
		declaredTasks: make(map[string]bool),
		replyQueue:    newReplyQueueName(),
		done:          make(chan struct{}),
	}

	if err := c.declareExchange(context.Background()); err != nil {
		c.teardown()
		return nil, err
	}

	// Registered after the initial Connect, so OnConnected only fires for
	// recoveries.
	manager.AddStateListener(c)
	go c.sweepPending()

	return c, nil
}

func (c *Communicator) declareExchange(ctx context.Context) error {
	return c.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    c.exchange,
		Type:    "topic",
		Durable: true,
	})
}

// send publishes through the circuit breaker so a dead broker fails fast
// instead of stacking confirm timeouts.
func (c *Communicator) send(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	return c.breaker.Execute(ctx, func() error {
		return c.publisher.Publish(ctx, exchange, key, msg)
	})
}

// RPCSend delivers the envelope to the target's control queue. A missing
// target queue drops the message, leaving the future unresolved, the same
// outcome an unrouted local send has.
func (c *Communicator) RPCSend(ctx context.Context, target string, env *contracts.Envelope) (*comms.Future, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	if c.isClosed() {
		return nil, comms.ErrClosed
	}
	if env.CorrelationID == "" {
		return nil, fmt.Errorf("rpc envelope missing correlation_id")
	}

	replyTo, err := c.ensureReplyQueue(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := envelopePublishing(env, replyTo, false)
	if err != nil {
		return nil, err
	}

	future := comms.NewFuture()
	c.addPending(env.CorrelationID, future)

	if err := c.send(ctx, "", rpcQueueName(target), msg); err != nil {
		c.removePending(env.CorrelationID)
		return nil, err
	}
	return future, nil
}

// Broadcast publishes the envelope to the topic exchange under the subject.
func (c *Communicator) Broadcast(ctx context.Context, subject string, env *contracts.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope is nil")
	}
	if c.isClosed() {
		return comms.ErrClosed
	}

	msg, err := envelopePublishing(env, "", false)
	if err != nil {
		return err
	}
	return c.send(ctx, c.exchange, subject, msg)
}

// TaskSend delivers the envelope to a durable task queue, where it waits
// for a worker if none is consuming yet.
func (c *Communicator) TaskSend(ctx context.Context, queue string, env *contracts.Envelope) (*comms.Future, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	if c.isClosed() {
		return nil, comms.ErrClosed
	}

	// Foreign producers may omit the correlation id; the reply still needs
	// one, so stamp a copy rather than the caller's envelope.
	sendEnv := env
	if sendEnv.CorrelationID == "" {
		clone := *env
		clone.CorrelationID = uuid.New().String()
		sendEnv = &clone
	}

	if err := c.ensureTaskQueue(ctx, queue); err != nil {
		return nil, err
	}
	replyTo, err := c.ensureReplyQueue(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := envelopePublishing(sendEnv, replyTo, true)
	if err != nil {
		return nil, err
	}

	future := comms.NewFuture()
	c.addPending(sendEnv.CorrelationID, future)

	if err := c.send(ctx, "", queue, msg); err != nil {
		c.removePending(sendEnv.CorrelationID)
		return nil, err
	}
	return future, nil
}

// AddRPCSubscriber starts serving the target's control queue. A target
// accepts exactly one subscriber.
func (c *Communicator) AddRPCSubscriber(target string, handler comms.RPCHandler) error {
	if handler == nil {
		return fmt.Errorf("handler is nil")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return comms.ErrClosed
	}
	if _, exists := c.rpcSubs[target]; exists {
		c.mu.Unlock()
		return fmt.Errorf("rpc subscriber already registered for %q", target)
	}
	c.rpcSubs[target] = handler
	c.mu.Unlock()

	if err := c.consumeRPC(context.Background(), target, handler); err != nil {
		c.mu.Lock()
		delete(c.rpcSubs, target)
		c.mu.Unlock()
		return err
	}
	return nil
}

// RemoveRPCSubscriber stops serving the target. Its auto-delete control
// queue disappears once the consumer detaches. Removing an absent
// subscriber is a no-op.
func (c *Communicator) RemoveRPCSubscriber(target string) error {
	c.mu.Lock()
	_, exists := c.rpcSubs[target]
	delete(c.rpcSubs, target)
	c.mu.Unlock()

	if !exists {
		return nil
	}
	if err := c.consumer.Unsubscribe(rpcQueueName(target)); err != nil {
		c.logger.Debug("rpc consumer already stopped", "target", target, "error", err)
	}
	return nil
}

// AddBroadcastSubscriber binds a private queue to the exchange under the
// pattern and returns an identifier for removal.
func (c *Communicator) AddBroadcastSubscriber(pattern string, handler comms.BroadcastHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler is nil")
	}
	if c.isClosed() {
		return "", comms.ErrClosed
	}

	queue, err := c.consumeBroadcast(context.Background(), pattern, handler)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	c.mu.Lock()
	c.bcastSubs[id] = &broadcastBinding{pattern: pattern, queue: queue, handler: handler}
	c.mu.Unlock()
	return id, nil
}

// RemoveBroadcastSubscriber drops the subscription with the given id.
func (c *Communicator) RemoveBroadcastSubscriber(id string) error {
	c.mu.Lock()
	sub, exists := c.bcastSubs[id]
	delete(c.bcastSubs, id)
	c.mu.Unlock()

	if !exists {
		return nil
	}
	if err := c.consumer.Unsubscribe(sub.queue); err != nil {
		c.logger.Debug("broadcast consumer already stopped", "pattern", sub.pattern, "error", err)
	}
	return nil
}

// AddTaskSubscriber starts serving a durable task queue, draining whatever
// accumulated while the queue had no worker.
func (c *Communicator) AddTaskSubscriber(queue string, handler comms.TaskHandler) error {
	if handler == nil {
		return fmt.Errorf("handler is nil")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return comms.ErrClosed
	}
	if _, exists := c.taskSubs[queue]; exists {
		c.mu.Unlock()
		return fmt.Errorf("task subscriber already registered for %q", queue)
	}
	c.taskSubs[queue] = handler
	c.mu.Unlock()

	if err := c.consumeTasks(context.Background(), queue, handler); err != nil {
		c.mu.Lock()
		delete(c.taskSubs, queue)
		c.mu.Unlock()
		return err
	}
	return nil
}

// RemoveTaskSubscriber stops the queue's worker. The durable queue and its
// backlog stay on the broker.
func (c *Communicator) RemoveTaskSubscriber(queue string) error {
	c.mu.Lock()
	_, exists := c.taskSubs[queue]
	delete(c.taskSubs, queue)
	c.mu.Unlock()

	if !exists {
		return nil
	}
	if err := c.consumer.Unsubscribe(queue); err != nil {
		c.logger.Debug("task consumer already stopped", "queue", queue, "error", err)
	}
	return nil
}

// Close tears the communicator down. Futures still waiting for replies are
// resolved with ErrClosed so no caller blocks into its timeout.
func (c *Communicator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]pendingReply)
	c.rpcSubs = make(map[string]comms.RPCHandler)
	c.taskSubs = make(map[string]comms.TaskHandler)
	c.bcastSubs = make(map[string]*broadcastBinding)
	c.mu.Unlock()

	close(c.done)
	for _, entry := range pending {
		entry.future.SetError(comms.ErrClosed)
	}

	c.manager.RemoveStateListener(c)
	return c.teardown()
}

func (c *Communicator) teardown() error {
	c.consumer.UnsubscribeAll()
	c.publisher.Close()
	c.pool.Close()
	return c.manager.Close()
}

// OnConnected rebuilds the exchange, reply queue and every subscription
// after a reconnect. The initial connection happens before the communicator
// registers itself as a listener, so this only fires for recoveries.
func (c *Communicator) OnConnected() {
	c.restoreMu.Lock()
	defer c.restoreMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	replyWasReady := c.replyReady
	c.replyReady = false
	c.declaredTasks = make(map[string]bool)
	rpcSubs := make(map[string]comms.RPCHandler, len(c.rpcSubs))
	for target, handler := range c.rpcSubs {
		rpcSubs[target] = handler
	}
	taskSubs := make(map[string]comms.TaskHandler, len(c.taskSubs))
	for queue, handler := range c.taskSubs {
		taskSubs[queue] = handler
	}
	bcastSubs := make(map[string]*broadcastBinding, len(c.bcastSubs))
	for id, sub := range c.bcastSubs {
		bcastSubs[id] = sub
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.declareExchange(ctx); err != nil {
		c.logger.Error("failed to restore exchange after reconnect", "error", err)
		return
	}

	if replyWasReady {
		c.stopConsumer(c.replyQueue)
		if _, err := c.ensureReplyQueue(ctx); err != nil {
			c.logger.Error("failed to restore reply queue", "error", err)
		}
	}

	for target, handler := range rpcSubs {
		c.stopConsumer(rpcQueueName(target))
		if err := c.consumeRPC(ctx, target, handler); err != nil {
			c.logger.Error("failed to restore rpc subscription", "target", target, "error", err)
		}
	}

	for queue, handler := range taskSubs {
		c.stopConsumer(queue)
		if err := c.consumeTasks(ctx, queue, handler); err != nil {
			c.logger.Error("failed to restore task subscription", "queue", queue, "error", err)
		}
	}

	for id, sub := range bcastSubs {
		c.stopConsumer(sub.queue)
		queue, err := c.consumeBroadcast(ctx, sub.pattern, sub.handler)
		if err != nil {
			c.logger.Error("failed to restore broadcast subscription", "pattern", sub.pattern, "error", err)
			continue
		}
		// The private queue is server-named, so the rebuilt subscription
		// gets a fresh name.
		c.mu.Lock()
		if current, ok := c.bcastSubs[id]; ok {
			current.queue = queue
		}
		c.mu.Unlock()
	}

	c.logger.Info("communicator restored after reconnect")
}

// OnDisconnected logs the drop; the manager handles re-dialing.
func (c *Communicator) OnDisconnected(err error) {
	if err != nil {
		c.logger.Warn("broker connection lost", "error", err)
	}
}

// OnReconnecting is informational only.
func (c *Communicator) OnReconnecting(attempt int) {
	c.logger.Debug("waiting for broker connection", "attempt", attempt)
}

// stopConsumer cancels a consume loop left over from the previous
// connection, if it has not already unwound itself.
func (c *Communicator) stopConsumer(queue string) {
	if err := c.consumer.Unsubscribe(queue); err == nil {
		c.logger.Debug("stopped stale consumer", "queue", queue)
	}
}

// ensureReplyQueue declares and consumes the private reply queue on first
// use. The name is fixed for the communicator's lifetime; the queue itself
// is rebuilt after reconnects.
func (c *Communicator) ensureReplyQueue(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replyReady {
		return c.replyQueue, nil
	}

	if _, err := c.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       c.replyQueue,
		Exclusive:  true,
		AutoDelete: true,
	}); err != nil {
		return "", err
	}
	if err := c.consumer.Subscribe(ctx, c.replyQueue, c.handleReply); err != nil {
		return "", err
	}

	c.replyReady = true
	return c.replyQueue, nil
}

// ensureTaskQueue declares the durable queue once per communicator; broker
// declarations are idempotent, this only avoids repeat round trips.
func (c *Communicator) ensureTaskQueue(ctx context.Context, queue string) error {
	c.mu.Lock()
	declared := c.declaredTasks[queue]
	c.mu.Unlock()
	if declared {
		return nil
	}

	if _, err := c.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:    queue,
		Durable: true,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.declaredTasks[queue] = true
	c.mu.Unlock()
	return nil
}

// consumeRPC declares the target's control queue and serves it.
func (c *Communicator) consumeRPC(ctx context.Context, target string, handler comms.RPCHandler) error {
	queue := rpcQueueName(target)
	if _, err := c.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       queue,
		AutoDelete: true,
	}); err != nil {
		return err
	}
	return c.consumer.Subscribe(ctx, queue, c.serveRequest(handler))
}

// consumeTasks declares the durable queue and serves it.
func (c *Communicator) consumeTasks(ctx context.Context, queue string, handler comms.TaskHandler) error {
	if err := c.ensureTaskQueue(ctx, queue); err != nil {
		return err
	}
	return c.consumer.Subscribe(ctx, queue, c.serveRequest(comms.RPCHandler(handler)))
}

// consumeBroadcast binds a fresh private queue to the exchange under the
// pattern and returns the broker-assigned queue name.
func (c *Communicator) consumeBroadcast(ctx context.Context, pattern string, handler comms.BroadcastHandler) (string, error) {
	q, err := c.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return "", err
	}
	if err := c.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      q.Name,
		Exchange:   c.exchange,
		RoutingKey: pattern,
	}); err != nil {
		return "", err
	}

	observe := func(ctx context.Context, delivery amqp.Delivery) error {
		env, err := decodeEnvelope(delivery.Body)
		if err != nil {
			return err
		}
		handler(ctx, delivery.RoutingKey, env)
		return nil
	}
	if err := c.consumer.Subscribe(ctx, q.Name, observe); err != nil {
		return "", err
	}
	return q.Name, nil
}

// serveRequest decodes a request envelope, runs the handler and publishes
// the acknowledgement to the caller's reply queue. Handler errors become
// error acknowledgements, the contract every communicator follows.
func (c *Communicator) serveRequest(handler comms.RPCHandler) rabbitmq.MessageHandler {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		env, err := decodeEnvelope(delivery.Body)
		if err != nil {
			return err
		}

		resp, err := handler(ctx, env)
		if err != nil {
			resp = contracts.NewErrorResponse(env.CorrelationID, err.Error())
		} else if resp == nil {
			resp = contracts.NewOKResponse(env.CorrelationID, nil)
		}

		if delivery.ReplyTo == "" {
			return nil
		}
		msg, err := responsePublishing(resp)
		if err != nil {
			return err
		}
		return c.send(ctx, "", delivery.ReplyTo, msg)
	}
}

// handleReply resolves the future waiting on the delivery's correlation id.
// Replies for abandoned ids are dropped quietly.
func (c *Communicator) handleReply(ctx context.Context, delivery amqp.Delivery) error {
	resp, err := decodeResponse(delivery.Body)
	if err != nil {
		return err
	}

	id := resp.CorrelationID
	if id == "" {
		id = delivery.CorrelationId
	}

	c.mu.Lock()
	entry, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("reply without a waiting future", "correlationId", id)
		return nil
	}
	entry.future.SetResult(resp)
	return nil
}

func (c *Communicator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Communicator) addPending(id string, future *comms.Future) {
	c.mu.Lock()
	c.pending[id] = pendingReply{future: future, added: time.Now()}
	c.mu.Unlock()
}

func (c *Communicator) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// sweepPending reclaims reply slots whose caller stopped waiting long ago.
func (c *Communicator) sweepPending() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-c.pendingTTL)
		c.mu.Lock()
		for id, entry := range c.pending {
			if entry.added.Before(cutoff) {
				delete(c.pending, id)
			}
		}
		c.mu.Unlock()
	}
}
