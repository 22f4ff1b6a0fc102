package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/procmate-go/internal/reliability"
)

// Publisher publishes messages in confirm mode. It holds one dedicated
// channel with a single confirmation listener and serializes publishes over
// it, so every publish pairs with exactly one broker confirmation. The
// channel is reopened lazily after a drop.
type Publisher struct {
	manager        *ConnectionManager
	confirmTimeout time.Duration
	publishTimeout time.Duration
	policy         reliability.RetryPolicy

	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	closed   bool
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds a whole publish including retries, applied when
// the caller's context has no deadline.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishPolicy sets the retry policy for failed publishes.
func WithPublishPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		if policy != nil {
			p.policy = policy
		}
	}
}

// NewPublisher creates a confirm-mode publisher on the managed connection.
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		policy:         reliability.NewExponentialBackoff(250*time.Millisecond, 2*time.Second, 2.0, 3),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends a message and waits for the broker confirmation, retrying
// transient failures under the publisher's policy.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	err := reliability.Retry(ctx, p.policy, func() error {
		return p.publishOnce(ctx, exchange, routingKey, msg)
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return reliability.RetryableError{Err: ErrPublisherClosed, Retryable: false}
	}

	ch, confirms, err := p.channelLocked()
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.dropChannelLocked()
		return err
	}

	select {
	case confirm, ok := <-confirms:
		if !ok {
			p.dropChannelLocked()
			return ErrChannelClosed
		}
		if !confirm.Ack {
			return ErrPublishNotConfirmed
		}
		return nil
	case <-time.After(p.confirmTimeout):
		// The confirmation may still arrive; dropping the channel keeps
		// publish/confirm pairing intact for the next attempt.
		p.dropChannelLocked()
		return ErrPublishTimeout
	case <-ctx.Done():
		p.dropChannelLocked()
		return ctx.Err()
	}
}

// channelLocked returns the confirm-mode channel, opening it if needed.
// Callers hold p.mu.
func (p *Publisher) channelLocked() (*amqp.Channel, chan amqp.Confirmation, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, p.confirms, nil
	}

	conn, err := p.manager.GetConnection()
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrChannelCreationFailed, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("enable confirm mode: %w", err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return p.ch, p.confirms, nil
}

func (p *Publisher) dropChannelLocked() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
		p.confirms = nil
	}
}

// Close releases the publisher channel. Later publishes fail with
// ErrPublisherClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.dropChannelLocked()
	return nil
}
