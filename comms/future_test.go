package comms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procmate-go/contracts"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture()

	_, err := f.Response()
	assert.ErrorIs(t, err, ErrPending)

	first := contracts.NewOKResponse("c-1", map[string]interface{}{"n": 1})
	second := contracts.NewOKResponse("c-1", map[string]interface{}{"n": 2})

	assert.True(t, f.SetResult(first))
	assert.False(t, f.SetResult(second))
	assert.False(t, f.SetError(errors.New("too late")))

	select {
	case <-f.Done():
	default:
		t.Fatal("Done not closed after resolution")
	}

	resp, err := f.Response()
	require.NoError(t, err)
	assert.Same(t, first, resp)
}

func TestFutureWait(t *testing.T) {
	t.Run("returns the response once set", func(t *testing.T) {
		f := NewFuture()
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.SetResult(contracts.NewOKResponse("c-1", nil))
		}()

		resp, err := f.Wait(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "c-1", resp.CorrelationID)
	})

	t.Run("times out as a TimeoutError", func(t *testing.T) {
		f := NewFuture()
		_, err := f.Wait(context.Background(), 20*time.Millisecond)
		var terr *TimeoutError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, 20*time.Millisecond, terr.Timeout)
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		f := NewFuture()
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err := f.Wait(ctx, 0)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("error acknowledgement surfaces as RemoteError", func(t *testing.T) {
		f := NewFuture()
		f.SetResult(contracts.NewErrorResponse("c-1", "no such process"))

		resp, err := f.Wait(context.Background(), time.Second)
		var rerr *RemoteError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "no such process", rerr.Detail)
		// The raw response still comes back for callers that want it.
		require.NotNil(t, resp)
		assert.True(t, resp.IsError())
	})

	t.Run("transport error passes through", func(t *testing.T) {
		f := NewFuture()
		f.SetError(errors.New("connection dropped"))
		_, err := f.Wait(context.Background(), time.Second)
		assert.ErrorContains(t, err, "connection dropped")
	})
}

func TestFutureValue(t *testing.T) {
	t.Run("success yields the result map", func(t *testing.T) {
		f := NewFuture()
		f.SetResult(contracts.NewOKResponse("c-1", map[string]interface{}{"pid": "p-1"}))

		v, err := f.Value()
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"pid": "p-1"}, v)
	})

	t.Run("error acknowledgement yields a RemoteError", func(t *testing.T) {
		f := NewFuture()
		f.SetResult(contracts.NewErrorResponse("c-1", "rejected"))

		_, err := f.Value()
		var rerr *RemoteError
		require.ErrorAs(t, err, &rerr)
	})

	t.Run("unresolved future is still pending", func(t *testing.T) {
		f := NewFuture()
		_, err := f.Value()
		assert.ErrorIs(t, err, ErrPending)
	})
}
