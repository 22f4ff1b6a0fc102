package comms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procmate-go/contracts"
)

// recordedSend captures one envelope handed to the transport.
type recordedSend struct {
	op      string // rpc, task or broadcast
	address string // target pid, queue name or subject
	env     *contracts.Envelope
}

// recordingCommunicator captures sends and resolves every future with a
// canned acknowledgement, so blocking controller calls return immediately.
type recordingCommunicator struct {
	mu    sync.Mutex
	sends []recordedSend
	reply map[string]interface{}
}

func newRecordingCommunicator(reply map[string]interface{}) *recordingCommunicator {
	return &recordingCommunicator{reply: reply}
}

func (r *recordingCommunicator) record(op, address string, env *contracts.Envelope) {
	r.mu.Lock()
	r.sends = append(r.sends, recordedSend{op: op, address: address, env: env})
	r.mu.Unlock()
}

func (r *recordingCommunicator) resolved(env *contracts.Envelope) *Future {
	f := NewFuture()
	f.SetResult(contracts.NewOKResponse(env.CorrelationID, r.reply))
	return f
}

func (r *recordingCommunicator) RPCSend(ctx context.Context, target string, env *contracts.Envelope) (*Future, error) {
	r.record("rpc", target, env)
	return r.resolved(env), nil
}

func (r *recordingCommunicator) Broadcast(ctx context.Context, subject string, env *contracts.Envelope) error {
	r.record("broadcast", subject, env)
	return nil
}

func (r *recordingCommunicator) TaskSend(ctx context.Context, queue string, env *contracts.Envelope) (*Future, error) {
	r.record("task", queue, env)
	return r.resolved(env), nil
}

func (r *recordingCommunicator) AddRPCSubscriber(target string, handler RPCHandler) error { return nil }
func (r *recordingCommunicator) RemoveRPCSubscriber(target string) error                  { return nil }
func (r *recordingCommunicator) AddBroadcastSubscriber(pattern string, handler BroadcastHandler) (string, error) {
	return "", nil
}
func (r *recordingCommunicator) RemoveBroadcastSubscriber(id string) error       { return nil }
func (r *recordingCommunicator) AddTaskSubscriber(q string, h TaskHandler) error { return nil }
func (r *recordingCommunicator) RemoveTaskSubscriber(q string) error             { return nil }
func (r *recordingCommunicator) Close() error                                    { return nil }

func (r *recordingCommunicator) take(t *testing.T) recordedSend {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.sends, 1)
	send := r.sends[0]
	r.sends = nil
	return send
}

var cannedReply = map[string]interface{}{
	"paused":  true,
	"playing": true,
	"killed":  true,
	"pid":     "p-1",
	"outputs": map[string]interface{}{"y": 10},
	"label":   "finished",
}

// TestControllerFlavorsShareWireShape drives the same operation through the
// blocking and the async controller and asserts both put the same intent on
// the wire: same delivery, same address, same kind, same payload. Only the
// correlation id and the timestamp may differ.
func TestControllerFlavorsShareWireShape(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		blocking func(*Controller, *testing.T)
		async    func(*AsyncController, *testing.T)
	}{
		{
			name: "pause",
			blocking: func(c *Controller, t *testing.T) {
				_, err := c.Pause(ctx, "p-1", "hold")
				require.NoError(t, err)
			},
			async: func(a *AsyncController, t *testing.T) {
				_, err := a.Pause(ctx, "p-1", "hold")
				require.NoError(t, err)
			},
		},
		{
			name: "pause with timeout",
			blocking: func(c *Controller, t *testing.T) {
				_, err := c.PauseFor(ctx, "p-1", "hold", 90*time.Second)
				require.NoError(t, err)
			},
			async: func(a *AsyncController, t *testing.T) {
				_, err := a.PauseFor(ctx, "p-1", "hold", 90*time.Second)
				require.NoError(t, err)
			},
		},
		{
			name: "play",
			blocking: func(c *Controller, t *testing.T) {
				_, err := c.Play(ctx, "p-1")
				require.NoError(t, err)
			},
			async: func(a *AsyncController, t *testing.T) {
				_, err := a.Play(ctx, "p-1")
				require.NoError(t, err)
			},
		},
		{
			name: "kill",
			blocking: func(c *Controller, t *testing.T) {
				_, err := c.Kill(ctx, "p-1", "stop")
				require.NoError(t, err)
			},
			async: func(a *AsyncController, t *testing.T) {
				_, err := a.Kill(ctx, "p-1", "stop")
				require.NoError(t, err)
			},
		},
		{
			name: "status",
			blocking: func(c *Controller, t *testing.T) {
				_, err := c.Status(ctx, "p-1")
				require.NoError(t, err)
			},
			async: func(a *AsyncController, t *testing.T) {
				_, err := a.Status(ctx, "p-1")
				require.NoError(t, err)
			},
		},
		{
			name: "launch",
			blocking: func(c *Controller, t *testing.T) {
				_, err := c.Launch(ctx, "billing.settle", map[string]interface{}{"x": 5})
				require.NoError(t, err)
			},
			async: func(a *AsyncController, t *testing.T) {
				_, err := a.Launch(ctx, "billing.settle", map[string]interface{}{"x": 5})
				require.NoError(t, err)
			},
		},
		{
			name: "launch nowait",
			blocking: func(c *Controller, t *testing.T) {
				_, err := c.LaunchNowait(ctx, "billing.settle", nil)
				require.NoError(t, err)
			},
			async: func(a *AsyncController, t *testing.T) {
				_, err := a.LaunchNowait(ctx, "billing.settle", nil)
				require.NoError(t, err)
			},
		},
		{
			name: "continue",
			blocking: func(c *Controller, t *testing.T) {
				_, err := c.Continue(ctx, "p-1")
				require.NoError(t, err)
			},
			async: func(a *AsyncController, t *testing.T) {
				_, err := a.Continue(ctx, "p-1")
				require.NoError(t, err)
			},
		},
		{
			name: "continue from tag",
			blocking: func(c *Controller, t *testing.T) {
				_, err := c.ContinueFrom(ctx, "p-1", "final")
				require.NoError(t, err)
			},
			async: func(a *AsyncController, t *testing.T) {
				_, err := a.ContinueFrom(ctx, "p-1", "final")
				require.NoError(t, err)
			},
		},
		{
			name: "pause all",
			blocking: func(c *Controller, t *testing.T) {
				require.NoError(t, c.PauseAll(ctx, "maintenance"))
			},
			async: func(a *AsyncController, t *testing.T) {
				require.NoError(t, a.PauseAll(ctx, "maintenance"))
			},
		},
		{
			name: "kill all",
			blocking: func(c *Controller, t *testing.T) {
				require.NoError(t, c.KillAll(ctx, "shutdown"))
			},
			async: func(a *AsyncController, t *testing.T) {
				require.NoError(t, a.KillAll(ctx, "shutdown"))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blockingComm := newRecordingCommunicator(cannedReply)
			asyncComm := newRecordingCommunicator(cannedReply)

			tc.blocking(NewController(blockingComm), t)
			tc.async(NewAsyncController(asyncComm), t)

			got := blockingComm.take(t)
			want := asyncComm.take(t)

			assert.Equal(t, want.op, got.op)
			assert.Equal(t, want.address, got.address)
			assert.Equal(t, want.env.Type, got.env.Type)
			assert.Equal(t, want.env.Kind, got.env.Kind)
			assert.Equal(t, want.env.PID, got.env.PID)
			assert.Equal(t, want.env.Payload, got.env.Payload)
		})
	}
}

func TestControllerEnvelopeShapes(t *testing.T) {
	ctx := context.Background()

	t.Run("pause carries message and timeout in seconds", func(t *testing.T) {
		comm := newRecordingCommunicator(cannedReply)
		ctl := NewController(comm)
		_, err := ctl.PauseFor(ctx, "p-1", "hold", 90*time.Second)
		require.NoError(t, err)

		send := comm.take(t)
		assert.Equal(t, "rpc", send.op)
		assert.Equal(t, "p-1", send.address)
		assert.Equal(t, contracts.KindPause, send.env.Kind)
		assert.Equal(t, "hold", send.env.Payload["message"])
		assert.Equal(t, float64(90), send.env.Payload["timeout_seconds"])
		assert.NotEmpty(t, send.env.CorrelationID)
	})

	t.Run("bare pause has no payload", func(t *testing.T) {
		comm := newRecordingCommunicator(cannedReply)
		ctl := NewController(comm)
		_, err := ctl.Pause(ctx, "p-1", "")
		require.NoError(t, err)

		send := comm.take(t)
		assert.Nil(t, send.env.Payload)
	})

	t.Run("launch task goes to the configured queue", func(t *testing.T) {
		comm := newRecordingCommunicator(cannedReply)
		ctl := NewController(comm, WithControllerQueue("custom.tasks"))
		_, err := ctl.LaunchNowait(ctx, "billing.settle", map[string]interface{}{"x": 5})
		require.NoError(t, err)

		send := comm.take(t)
		assert.Equal(t, "task", send.op)
		assert.Equal(t, "custom.tasks", send.address)
		assert.Equal(t, contracts.KindLaunch, send.env.Kind)
		assert.Equal(t, "billing.settle", send.env.Payload["type_id"])
		assert.Equal(t, true, send.env.Payload["nowait"])
		inputs, ok := send.env.Payload["inputs"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(5), inputs["x"])
	})

	t.Run("continue names the pid and tag", func(t *testing.T) {
		comm := newRecordingCommunicator(cannedReply)
		ctl := NewController(comm)
		_, err := ctl.ContinueFrom(ctx, "p-1", "final")
		require.NoError(t, err)

		send := comm.take(t)
		assert.Equal(t, "task", send.op)
		assert.Equal(t, DefaultTaskQueue, send.address)
		assert.Equal(t, contracts.KindContinue, send.env.Kind)
		assert.Equal(t, "p-1", send.env.Payload["pid"])
		assert.Equal(t, "final", send.env.Payload["tag"])
	})

	t.Run("broadcasts use the control subject and no correlation", func(t *testing.T) {
		comm := newRecordingCommunicator(cannedReply)
		ctl := NewController(comm)
		require.NoError(t, ctl.KillAll(ctx, "shutdown"))

		send := comm.take(t)
		assert.Equal(t, "broadcast", send.op)
		assert.Equal(t, "control.kill", send.address)
		assert.Equal(t, contracts.TypeBroadcast, send.env.Type)
		assert.Empty(t, send.env.CorrelationID)
		assert.Equal(t, "shutdown", send.env.Payload["message"])
	})

	t.Run("launch without a type id is rejected before sending", func(t *testing.T) {
		comm := newRecordingCommunicator(cannedReply)
		ctl := NewController(comm)
		_, err := ctl.Launch(ctx, "", nil)
		assert.ErrorContains(t, err, "type id")
		comm.mu.Lock()
		assert.Empty(t, comm.sends)
		comm.mu.Unlock()
	})

	t.Run("continue without a pid is rejected before sending", func(t *testing.T) {
		comm := newRecordingCommunicator(cannedReply)
		ctl := NewController(comm)
		_, err := ctl.Continue(ctx, "")
		assert.ErrorContains(t, err, "pid")
	})
}

func TestControllerRemoteError(t *testing.T) {
	comm := NewLocalCommunicator()
	t.Cleanup(func() { _ = comm.Close() })

	err := comm.AddRPCSubscriber("p-1", func(ctx context.Context, env *contracts.Envelope) (*contracts.Response, error) {
		return contracts.NewErrorResponse(env.CorrelationID, "process is terminal"), nil
	})
	require.NoError(t, err)

	ctl := NewController(comm, WithReplyTimeout(time.Second))
	_, err = ctl.Pause(context.Background(), "p-1", "hold")
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "process is terminal", rerr.Detail)
}

func TestControllerReplyTimeout(t *testing.T) {
	comm := NewLocalCommunicator()
	t.Cleanup(func() { _ = comm.Close() })

	ctl := NewController(comm, WithReplyTimeout(30*time.Millisecond))
	start := time.Now()
	_, err := ctl.Play(context.Background(), "nobody-home")
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Less(t, time.Since(start), time.Second)
}
