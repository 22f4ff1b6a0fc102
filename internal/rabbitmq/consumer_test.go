package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerDefaults(t *testing.T) {
	c := NewConsumer(disconnectedPool(t))

	assert.Equal(t, 10, c.prefetchCount)
	assert.Equal(t, 30*time.Second, c.handlerTimeout)
	assert.NotNil(t, c.logger)
	assert.Empty(t, c.ActiveQueues())
}

func TestConsumerOptions(t *testing.T) {
	c := NewConsumer(
		disconnectedPool(t),
		WithPrefetchCount(1),
		WithHandlerTimeout(time.Second),
	)

	assert.Equal(t, 1, c.prefetchCount)
	assert.Equal(t, time.Second, c.handlerTimeout)
}

func TestConsumerSubscribeWithoutConnection(t *testing.T) {
	c := NewConsumer(disconnectedPool(t))

	err := c.Subscribe(context.Background(), "procmate.tasks", nil)
	require.Error(t, err)

	var consErr *ConsumerError
	require.ErrorAs(t, err, &consErr)
	assert.Equal(t, "subscribe", consErr.Op)
	assert.Equal(t, "procmate.tasks", consErr.Queue)
	assert.ErrorIs(t, err, ErrConnectionNotReady)
}

func TestConsumerUnsubscribeUnknownQueue(t *testing.T) {
	c := NewConsumer(disconnectedPool(t))

	err := c.Unsubscribe("never.subscribed")
	assert.ErrorContains(t, err, `no active consumer for queue "never.subscribed"`)
}
