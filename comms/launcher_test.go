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

// stubHost records the tasks it receives and answers from canned data.
type stubHost struct {
	launched  []contracts.LaunchTask
	continued []contracts.ContinueTask
	result    map[string]interface{}
	err       error
}

func (h *stubHost) LaunchProcess(ctx context.Context, task contracts.LaunchTask) (map[string]interface{}, error) {
	h.launched = append(h.launched, task)
	return h.result, h.err
}

func (h *stubHost) ContinueProcess(ctx context.Context, task contracts.ContinueTask) (map[string]interface{}, error) {
	h.continued = append(h.continued, task)
	return h.result, h.err
}

func launchEnvelope(t *testing.T, task contracts.LaunchTask) *contracts.Envelope {
	t.Helper()
	payload, err := contracts.EncodePayload(task)
	require.NoError(t, err)
	return contracts.NewRPCEnvelope(contracts.KindLaunch, "", payload)
}

func continueEnvelope(t *testing.T, task contracts.ContinueTask) *contracts.Envelope {
	t.Helper()
	payload, err := contracts.EncodePayload(task)
	require.NoError(t, err)
	return contracts.NewRPCEnvelope(contracts.KindContinue, task.PID, payload)
}

func TestLauncherHandlesLaunch(t *testing.T) {
	host := &stubHost{result: map[string]interface{}{"pid": "p-1"}}
	l := NewLauncher(host)

	env := launchEnvelope(t, contracts.LaunchTask{
		TypeID: "billing.settle",
		Inputs: map[string]interface{}{"x": 5},
		Nowait: true,
	})
	resp, err := l.HandleTask(context.Background(), env)
	require.NoError(t, err)
	require.False(t, resp.IsError())
	assert.Equal(t, env.CorrelationID, resp.CorrelationID)
	assert.Equal(t, "p-1", resp.Result["pid"])

	require.Len(t, host.launched, 1)
	got := host.launched[0]
	assert.Equal(t, "billing.settle", got.TypeID)
	assert.True(t, got.Nowait)
	assert.Equal(t, float64(5), got.Inputs["x"])
}

func TestLauncherHandlesContinue(t *testing.T) {
	host := &stubHost{result: map[string]interface{}{"pid": "p-1", "outputs": map[string]interface{}{}}}
	l := NewLauncher(host)

	env := continueEnvelope(t, contracts.ContinueTask{PID: "p-1", Tag: "final"})
	resp, err := l.HandleTask(context.Background(), env)
	require.NoError(t, err)
	require.False(t, resp.IsError())

	require.Len(t, host.continued, 1)
	assert.Equal(t, "p-1", host.continued[0].PID)
	assert.Equal(t, "final", host.continued[0].Tag)
}

func TestLauncherRejectsMalformedTasks(t *testing.T) {
	host := &stubHost{}
	l := NewLauncher(host)
	ctx := context.Background()

	t.Run("launch without type_id", func(t *testing.T) {
		env := launchEnvelope(t, contracts.LaunchTask{})
		resp, err := l.HandleTask(ctx, env)
		require.NoError(t, err)
		require.True(t, resp.IsError())
		assert.Contains(t, resp.ErrorDetail, "type_id")
		assert.Empty(t, host.launched)
	})

	t.Run("continue without pid", func(t *testing.T) {
		env := continueEnvelope(t, contracts.ContinueTask{})
		resp, err := l.HandleTask(ctx, env)
		require.NoError(t, err)
		require.True(t, resp.IsError())
		assert.Contains(t, resp.ErrorDetail, "pid")
		assert.Empty(t, host.continued)
	})

	t.Run("unsupported kind", func(t *testing.T) {
		env := contracts.NewRPCEnvelope(contracts.KindPause, "p-1", nil)
		resp, err := l.HandleTask(ctx, env)
		require.NoError(t, err)
		require.True(t, resp.IsError())
		assert.Contains(t, resp.ErrorDetail, "unsupported task kind")
	})
}

func TestLauncherHostErrorBecomesErrorAck(t *testing.T) {
	host := &stubHost{err: errors.New("type not registered")}
	l := NewLauncher(host)

	env := launchEnvelope(t, contracts.LaunchTask{TypeID: "ghost.type"})
	resp, err := l.HandleTask(context.Background(), env)
	require.NoError(t, err, "host failures must become error acknowledgements, not handler errors")
	require.True(t, resp.IsError())
	assert.Equal(t, "type not registered", resp.ErrorDetail)
}

// TestLauncherOverLocalCommunicator runs the full task path: controller
// sends, queue buffers, launcher answers.
func TestLauncherOverLocalCommunicator(t *testing.T) {
	comm := NewLocalCommunicator()
	t.Cleanup(func() { _ = comm.Close() })

	ctl := NewController(comm, WithReplyTimeout(time.Second))

	// Submit before the launcher is up: the task waits in the queue.
	type result struct {
		pid string
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		pid, err := ctl.LaunchNowait(context.Background(), "billing.settle", nil)
		resultCh <- result{pid: pid, err: err}
	}()

	host := &stubHost{result: map[string]interface{}{"pid": "p-42"}}
	l := NewLauncher(host)
	require.NoError(t, l.Register(comm))
	t.Cleanup(func() { _ = l.Unregister(comm) })

	select {
	case r := <-resultCh:
		require.NoError(t, r.err)
		assert.Equal(t, "p-42", r.pid)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered launch task never acknowledged")
	}
}
