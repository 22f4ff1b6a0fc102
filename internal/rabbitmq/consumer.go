package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. A nil return acknowledges the
// message; an error drops it without requeueing, since a poison message
// would otherwise be redelivered forever.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer runs one consume loop per subscribed queue on pooled channels.
// A loop ends when its queue is unsubscribed or its delivery stream closes
// with the connection; the owner resubscribes after a reconnect.
type Consumer struct {
	pool           *ChannelPool
	prefetchCount  int
	handlerTimeout time.Duration
	logger         *slog.Logger
	subs           sync.Map // queue -> *subscription
}

type subscription struct {
	queue  string
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets how many unacknowledged deliveries the broker
// pushes per subscription.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a consumer over the pool.
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:           pool,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming the queue. The subscription lives until
// Unsubscribe or a connection drop, not until the caller's ctx ends; ctx
// only bounds the setup.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	if _, exists := c.subs.Load(queue); exists {
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       fmt.Errorf("queue already has a consumer"),
			Timestamp: time.Now(),
		}
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Put(ch)
		return &ConsumerError{Queue: queue, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // broker-assigned consumer tag
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		c.pool.Put(ch)
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{queue: queue, cancel: cancel, done: make(chan struct{})}
	c.subs.Store(queue, sub)

	go c.consume(loopCtx, sub, ch, deliveries, handler)

	c.logger.Info("consuming queue", "queue", queue, "prefetch", c.prefetchCount)
	return nil
}

func (c *Consumer) consume(ctx context.Context, sub *subscription, ch *PooledChannel, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.subs.Delete(sub.queue)
		c.pool.Put(ch)
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery stream closed", "queue", sub.queue)
				return
			}
			c.handle(ctx, sub.queue, delivery, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, delivery amqp.Delivery, handler MessageHandler) {
	handlerCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	if err := handler(handlerCtx, delivery); err != nil {
		c.logger.Error("handler failed, dropping delivery",
			"queue", queue,
			"messageId", delivery.MessageId,
			"error", err)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack delivery", "queue", queue, "error", nackErr)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack delivery", "queue", queue, "error", ackErr)
	}
}

// Unsubscribe stops the queue's consume loop and waits for it to finish.
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.subs.Load(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue %q", queue)
	}

	sub := value.(*subscription)
	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops every consume loop.
func (c *Consumer) UnsubscribeAll() {
	var wg sync.WaitGroup
	c.subs.Range(func(key, _ interface{}) bool {
		queue := key.(string)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}()
		return true
	})
	wg.Wait()
}

// ActiveQueues lists the queues with a running consume loop.
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.subs.Range(func(key, _ interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
