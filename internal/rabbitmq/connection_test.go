package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procmate-go/internal/reliability"
)

type recordingStateListener struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	reconnecting int
	lastErr      error
}

func (l *recordingStateListener) OnConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected++
}

func (l *recordingStateListener) OnDisconnected(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected++
	l.lastErr = err
}

func (l *recordingStateListener) OnReconnecting(attempt int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnecting++
}

func (l *recordingStateListener) counts() (int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected, l.disconnected, l.reconnecting
}

func TestConnectionManagerDefaults(t *testing.T) {
	manager := NewConnectionManager("amqp://localhost:5672")

	assert.Equal(t, "amqp://localhost:5672", manager.url)
	assert.Equal(t, 30*time.Second, manager.dialTimeout)
	assert.Equal(t, -1, manager.maxRetries)
	assert.NotNil(t, manager.backoff)
	assert.NotNil(t, manager.logger)
	assert.False(t, manager.IsConnected())
}

func TestConnectionManagerOptions(t *testing.T) {
	logger := slog.Default()
	policy := reliability.NewFixedDelay(time.Second, 2)

	manager := NewConnectionManager(
		"amqp://test:5672",
		WithLogger(logger),
		WithDialTimeout(3*time.Second),
		WithMaxRetries(5),
		WithReconnectPolicy(policy),
	)

	assert.Equal(t, logger, manager.logger)
	assert.Equal(t, 3*time.Second, manager.dialTimeout)
	assert.Equal(t, 5, manager.maxRetries)
	assert.Equal(t, policy, manager.backoff)
}

func TestConnectionManagerConnectBadURL(t *testing.T) {
	manager := NewConnectionManager("not-a-broker-url")

	err := manager.Connect(context.Background())
	require.Error(t, err)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "connect", connErr.Op)
	assert.False(t, manager.IsConnected())
}

func TestConnectionManagerGetConnectionNotReady(t *testing.T) {
	manager := NewConnectionManager("amqp://localhost:5672")

	_, err := manager.GetConnection()
	assert.ErrorIs(t, err, ErrConnectionNotReady)
}

func TestConnectionManagerClose(t *testing.T) {
	manager := NewConnectionManager("amqp://localhost:5672")

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close(), "closing twice must be safe")

	err := manager.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionManagerStateListeners(t *testing.T) {
	manager := NewConnectionManager("amqp://localhost:5672")
	listener := &recordingStateListener{}

	manager.AddStateListener(listener)
	manager.notifyConnected()
	manager.notifyDisconnected(errors.New("broker went away"))
	manager.notifyReconnecting(1)

	require.Eventually(t, func() bool {
		connected, disconnected, reconnecting := listener.counts()
		return connected == 1 && disconnected == 1 && reconnecting == 1
	}, 2*time.Second, 5*time.Millisecond)

	manager.RemoveStateListener(listener)
	manager.notifyConnected()

	time.Sleep(20 * time.Millisecond)
	connected, _, _ := listener.counts()
	assert.Equal(t, 1, connected, "a removed listener must not be notified")
}
