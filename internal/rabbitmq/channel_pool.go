package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels on top of the managed connection.
// Channels from a dead connection are discarded on Get, so the pool heals
// itself after a reconnect.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	waitTimeout time.Duration

	mu          sync.Mutex
	closed      bool
	activeCount int

	done chan struct{}
}

// PooledChannel wraps an AMQP channel with pool bookkeeping.
type PooledChannel struct {
	*amqp.Channel
	lastUsed time.Time
}

// ChannelPoolOption configures the channel pool.
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum number of channels.
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the number of channels opened eagerly.
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets how long an unused channel may sit in the pool.
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithWaitTimeout bounds how long Get waits when the pool is exhausted.
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// NewChannelPool creates a pool over the manager's connection. The minimum
// channels are opened immediately, so the manager must be connected.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     2,
		idleTimeout: 5 * time.Minute,
		waitTimeout: 5 * time.Second,
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	var created []*PooledChannel
	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			for _, c := range created {
				c.Channel.Close()
			}
			return nil, &ChannelError{
				Op:        "pool initialization",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		created = append(created, ch)
	}
	for _, ch := range created {
		pool.channels <- ch
	}

	go pool.reapIdle()

	return pool, nil
}

// Get retrieves a channel, opening a new one when the pool is empty and
// under its cap. It waits for a returned channel once the cap is reached.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		return cp.vetted(ctx, ch)
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.mu.Unlock()
		return cp.createChannel()
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		return cp.vetted(ctx, ch)
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get channel", Err: ctx.Err(), Timestamp: time.Now()}
	case <-time.After(cp.waitTimeout):
		return nil, &ChannelError{Op: "get channel", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
	}
}

// vetted returns the channel if it is still usable, otherwise replaces it.
func (cp *ChannelPool) vetted(ctx context.Context, ch *PooledChannel) (*PooledChannel, error) {
	if ch.Channel.IsClosed() {
		cp.mu.Lock()
		cp.activeCount--
		cp.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, &ChannelError{Op: "get channel", Err: ctx.Err(), Timestamp: time.Now()}
		default:
		}
		return cp.createChannel()
	}
	ch.lastUsed = time.Now()
	return ch, nil
}

// Put returns a channel to the pool. Dead channels and overflow are
// discarded.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		ch.Channel.Close()
		return
	}
	cp.mu.Unlock()

	if ch.Channel.IsClosed() {
		cp.mu.Lock()
		cp.activeCount--
		cp.mu.Unlock()
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		ch.Channel.Close()
		cp.mu.Lock()
		cp.activeCount--
		cp.mu.Unlock()
	}
}

// Execute runs fn with a pooled channel, returning the channel afterwards.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

// Size returns the number of channels currently open.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Close drains the pool and closes every idle channel. Channels checked out
// at the time of the call are closed when they are put back.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	close(cp.done)

	for {
		select {
		case ch := <-cp.channels:
			if ch != nil && !ch.Channel.IsClosed() {
				ch.Channel.Close()
			}
		default:
			return nil
		}
	}
}

// createChannel opens a channel on the live connection.
func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return pooled, nil
}

// reapIdle periodically closes channels idle past the timeout, keeping the
// minimum population.
func (cp *ChannelPool) reapIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel

	drain:
		for {
			select {
			case ch := <-cp.channels:
				cp.mu.Lock()
				overMin := cp.activeCount > cp.minSize
				cp.mu.Unlock()

				if overMin && ch.lastUsed.Before(cutoff) {
					ch.Channel.Close()
					cp.mu.Lock()
					cp.activeCount--
					cp.mu.Unlock()
				} else {
					keep = append(keep, ch)
				}
			default:
				break drain
			}
		}

		for _, ch := range keep {
			select {
			case cp.channels <- ch:
			default:
				ch.Channel.Close()
				cp.mu.Lock()
				cp.activeCount--
				cp.mu.Unlock()
			}
		}
	}
}
