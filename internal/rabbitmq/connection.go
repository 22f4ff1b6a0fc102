package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/procmate-go/internal/reliability"
)

// ConnectionStateListener receives connection lifecycle notifications.
// Callbacks run on their own goroutines; implementations must tolerate
// being invoked concurrently with each other.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the broker connection and re-dials it after
// failures. Channel owners learn about drops through state listeners and
// rebuild their channels in OnConnected.
type ConnectionManager struct {
	url         string
	dialTimeout time.Duration
	maxRetries  int // -1 retries forever
	backoff     reliability.RetryPolicy
	logger      *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	closed      bool

	done chan struct{}

	listenersMu sync.RWMutex
	listeners   []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithMaxRetries caps reconnection attempts after a drop. Negative means
// retry forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithReconnectPolicy sets the policy that spaces reconnection attempts.
// Only NextDelay is consulted; WithMaxRetries caps the attempts.
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		if policy != nil {
			cm.backoff = policy
		}
	}
}

// NewConnectionManager creates a manager for the given broker URL. It does
// not dial; call Connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		maxRetries:  -1,
		backoff:     reliability.NewExponentialBackoff(time.Second, 5*time.Minute, 2.0, 0),
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. It is a no-op when already
// connected.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.adopt(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()
	return nil
}

// dial attempts a single connection bounded by the dial timeout. The dial
// goroutine closes a late connection itself when the caller has given up.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connCh := make(chan *amqp.Connection)
	errCh := make(chan error)

	go func() {
		conn, err := amqp.Dial(cm.url)
		if err != nil {
			select {
			case errCh <- err:
			case <-dialCtx.Done():
			}
			return
		}
		select {
		case connCh <- conn:
		case <-dialCtx.Done():
			conn.Close()
		}
	}()

	select {
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, err
	case <-dialCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// adopt installs a fresh connection and starts watching it for closure.
// Callers hold cm.mu.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true

	notifyClose := make(chan *amqp.Error, 1)
	conn.NotifyClose(notifyClose)
	go cm.watch(notifyClose)
}

// watch waits for the adopted connection to die, then drives reconnection.
// One watch goroutine exists per adopted connection.
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	select {
	case amqpErr := <-notifyClose:
		var cause error
		if amqpErr != nil {
			cause = amqpErr
			cm.logger.Error("connection lost", "error", amqpErr)
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(cause)
		cm.reconnect()

	case <-cm.done:
	}
}

// reconnect re-dials until it succeeds, the retry budget runs out, or the
// manager closes.
func (cm *ConnectionManager) reconnect() {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-cm.done:
			return
		default:
		}

		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("giving up on reconnection",
				"attempts", attempt,
				"elapsed", time.Since(start))
			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			})
			return
		}

		cm.notifyReconnecting(attempt + 1)

		if attempt > 0 {
			select {
			case <-time.After(cm.backoff.NextDelay(attempt)):
			case <-cm.done:
				return
			}
		}

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Warn("reconnection attempt failed",
				"attempt", attempt+1,
				"error", err)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			conn.Close()
			return
		}
		cm.adopt(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"elapsed", time.Since(start))
		cm.notifyConnected()
		return
	}
}

// GetConnection returns the live connection.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected reports whether a live connection is held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnection and closes the connection. Safe to call more
// than once and while a reconnect loop is in flight.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// AddStateListener registers a connection lifecycle listener.
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveStateListener drops a previously registered listener.
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.listeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.listeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.listeners {
		go listener.OnReconnecting(attempt)
	}
}
