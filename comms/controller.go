package comms

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/procmate-go/contracts"
)

// DefaultReplyTimeout bounds how long blocking controller calls wait for an
// acknowledgement.
const DefaultReplyTimeout = 30 * time.Second

// controllerConfig is shared by both controller flavors so they stay
// wire-identical.
type controllerConfig struct {
	queue   string
	timeout time.Duration
}

// ControllerOption configures a Controller or AsyncController.
type ControllerOption func(*controllerConfig)

// WithReplyTimeout bounds the blocking controller's wait for each
// acknowledgement. It has no effect on the async flavor, whose callers hold
// the future.
func WithReplyTimeout(timeout time.Duration) ControllerOption {
	return func(c *controllerConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithControllerQueue redirects launch and continue tasks to a non-default
// task queue.
func WithControllerQueue(queue string) ControllerOption {
	return func(c *controllerConfig) {
		if queue != "" {
			c.queue = queue
		}
	}
}

// AsyncController drives remote processes and returns a Future per
// operation. It never blocks on the remote side.
type AsyncController struct {
	comm Communicator
	cfg  controllerConfig
}

// NewAsyncController creates a controller that exposes acknowledgements as
// futures.
func NewAsyncController(comm Communicator, opts ...ControllerOption) *AsyncController {
	cfg := controllerConfig{queue: DefaultTaskQueue, timeout: DefaultReplyTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &AsyncController{comm: comm, cfg: cfg}
}

// Pause asks the process to stop between steps. The future resolves with
// {"paused": bool}.
func (a *AsyncController) Pause(ctx context.Context, pid, msg string) (*Future, error) {
	return a.PauseFor(ctx, pid, msg, 0)
}

// PauseFor pauses the process and schedules an automatic play once the
// timeout elapses. A non-positive timeout pauses indefinitely.
func (a *AsyncController) PauseFor(ctx context.Context, pid, msg string, timeout time.Duration) (*Future, error) {
	payload, err := pausePayload(msg, timeout)
	if err != nil {
		return nil, err
	}
	return a.comm.RPCSend(ctx, pid, contracts.NewRPCEnvelope(contracts.KindPause, pid, payload))
}

// Play lifts a pause. The future resolves with {"playing": bool}.
func (a *AsyncController) Play(ctx context.Context, pid string) (*Future, error) {
	return a.comm.RPCSend(ctx, pid, contracts.NewRPCEnvelope(contracts.KindPlay, pid, nil))
}

// Kill forces the process into its killed state, recording msg as the
// cause. The future resolves with {"killed": bool}.
func (a *AsyncController) Kill(ctx context.Context, pid, msg string) (*Future, error) {
	payload, err := killPayload(msg)
	if err != nil {
		return nil, err
	}
	return a.comm.RPCSend(ctx, pid, contracts.NewRPCEnvelope(contracts.KindKill, pid, payload))
}

// Status requests the process's control-plane view of itself.
func (a *AsyncController) Status(ctx context.Context, pid string) (*Future, error) {
	return a.comm.RPCSend(ctx, pid, contracts.NewRPCEnvelope(contracts.KindStatus, pid, nil))
}

// Launch submits a launch task for the given process type. The future
// resolves once the process terminates, carrying its pid and outputs.
func (a *AsyncController) Launch(ctx context.Context, typeID string, inputs map[string]interface{}) (*Future, error) {
	return a.launch(ctx, typeID, inputs, false)
}

// LaunchNowait submits a launch task whose acknowledgement carries the new
// pid as soon as the process is created.
func (a *AsyncController) LaunchNowait(ctx context.Context, typeID string, inputs map[string]interface{}) (*Future, error) {
	return a.launch(ctx, typeID, inputs, true)
}

func (a *AsyncController) launch(ctx context.Context, typeID string, inputs map[string]interface{}, nowait bool) (*Future, error) {
	payload, err := launchPayload(typeID, inputs, nowait)
	if err != nil {
		return nil, err
	}
	return a.comm.TaskSend(ctx, a.cfg.queue, contracts.NewRPCEnvelope(contracts.KindLaunch, "", payload))
}

// Continue submits a continue task: the host reconstructs the checkpointed
// process and resumes it. The future resolves once the process terminates.
func (a *AsyncController) Continue(ctx context.Context, pid string) (*Future, error) {
	return a.continueTask(ctx, pid, "", false)
}

// ContinueFrom resumes from the checkpoint saved under the given tag
// instead of the latest one.
func (a *AsyncController) ContinueFrom(ctx context.Context, pid, tag string) (*Future, error) {
	return a.continueTask(ctx, pid, tag, false)
}

// ContinueNowait submits a continue task acknowledged as soon as the
// process is reconstructed and scheduled.
func (a *AsyncController) ContinueNowait(ctx context.Context, pid string) (*Future, error) {
	return a.continueTask(ctx, pid, "", true)
}

func (a *AsyncController) continueTask(ctx context.Context, pid, tag string, nowait bool) (*Future, error) {
	payload, err := continuePayload(pid, tag, nowait)
	if err != nil {
		return nil, err
	}
	return a.comm.TaskSend(ctx, a.cfg.queue, contracts.NewRPCEnvelope(contracts.KindContinue, pid, payload))
}

// PauseAll broadcasts a pause intent to every live process. Broadcasts are
// fire-and-forget: no acknowledgement exists.
func (a *AsyncController) PauseAll(ctx context.Context, msg string) error {
	payload, err := pausePayload(msg, 0)
	if err != nil {
		return err
	}
	env := contracts.NewBroadcastEnvelope(contracts.KindPause, "", payload)
	return a.comm.Broadcast(ctx, contracts.ControlSubject(contracts.KindPause), env)
}

// PlayAll broadcasts a play intent to every live process.
func (a *AsyncController) PlayAll(ctx context.Context) error {
	env := contracts.NewBroadcastEnvelope(contracts.KindPlay, "", nil)
	return a.comm.Broadcast(ctx, contracts.ControlSubject(contracts.KindPlay), env)
}

// KillAll broadcasts a kill intent to every live process.
func (a *AsyncController) KillAll(ctx context.Context, msg string) error {
	payload, err := killPayload(msg)
	if err != nil {
		return err
	}
	env := contracts.NewBroadcastEnvelope(contracts.KindKill, "", payload)
	return a.comm.Broadcast(ctx, contracts.ControlSubject(contracts.KindKill), env)
}

// Controller drives remote processes and blocks for each acknowledgement.
// It delegates to an AsyncController, so both flavors put identical
// envelopes on the wire.
type Controller struct {
	async   *AsyncController
	timeout time.Duration
}

// NewController creates a blocking controller.
func NewController(comm Communicator, opts ...ControllerOption) *Controller {
	async := NewAsyncController(comm, opts...)
	return &Controller{async: async, timeout: async.cfg.timeout}
}

// Async returns the future-based flavor sharing this controller's
// configuration.
func (c *Controller) Async() *AsyncController {
	return c.async
}

// Pause asks the process to stop between steps and reports whether it is
// paused after the call.
func (c *Controller) Pause(ctx context.Context, pid, msg string) (bool, error) {
	future, err := c.async.Pause(ctx, pid, msg)
	if err != nil {
		return false, err
	}
	return c.boolReply(ctx, future, "paused")
}

// PauseFor pauses the process with an automatic play after the timeout.
func (c *Controller) PauseFor(ctx context.Context, pid, msg string, timeout time.Duration) (bool, error) {
	future, err := c.async.PauseFor(ctx, pid, msg, timeout)
	if err != nil {
		return false, err
	}
	return c.boolReply(ctx, future, "paused")
}

// Play lifts a pause and reports whether the process is unpaused after the
// call.
func (c *Controller) Play(ctx context.Context, pid string) (bool, error) {
	future, err := c.async.Play(ctx, pid)
	if err != nil {
		return false, err
	}
	return c.boolReply(ctx, future, "playing")
}

// Kill forces the process into its killed state. It reports true when the
// process ends up killed, false when a finished or excepted process ignored
// the request.
func (c *Controller) Kill(ctx context.Context, pid, msg string) (bool, error) {
	future, err := c.async.Kill(ctx, pid, msg)
	if err != nil {
		return false, err
	}
	return c.boolReply(ctx, future, "killed")
}

// Status returns the process's status report. An unknown pid surfaces as a
// *TimeoutError once the reply bound elapses.
func (c *Controller) Status(ctx context.Context, pid string) (contracts.StatusReport, error) {
	var report contracts.StatusReport
	future, err := c.async.Status(ctx, pid)
	if err != nil {
		return report, err
	}
	resp, err := future.Wait(ctx, c.timeout)
	if err != nil {
		return report, err
	}
	if err := contracts.DecodePayload(resp.Result, &report); err != nil {
		return report, err
	}
	return report, nil
}

// Launch creates a process of the registered type on the host serving the
// task queue and blocks until it terminates, returning its outputs.
func (c *Controller) Launch(ctx context.Context, typeID string, inputs map[string]interface{}) (map[string]interface{}, error) {
	future, err := c.async.Launch(ctx, typeID, inputs)
	if err != nil {
		return nil, err
	}
	return c.outputsReply(ctx, future)
}

// LaunchNowait creates a process and returns its pid without waiting for
// completion.
func (c *Controller) LaunchNowait(ctx context.Context, typeID string, inputs map[string]interface{}) (string, error) {
	future, err := c.async.LaunchNowait(ctx, typeID, inputs)
	if err != nil {
		return "", err
	}
	return c.pidReply(ctx, future)
}

// Continue reconstructs a checkpointed process, resumes it and blocks until
// it terminates, returning its outputs.
func (c *Controller) Continue(ctx context.Context, pid string) (map[string]interface{}, error) {
	future, err := c.async.Continue(ctx, pid)
	if err != nil {
		return nil, err
	}
	return c.outputsReply(ctx, future)
}

// ContinueFrom resumes from the checkpoint saved under the given tag and
// blocks until the process terminates.
func (c *Controller) ContinueFrom(ctx context.Context, pid, tag string) (map[string]interface{}, error) {
	future, err := c.async.ContinueFrom(ctx, pid, tag)
	if err != nil {
		return nil, err
	}
	return c.outputsReply(ctx, future)
}

// ContinueNowait reconstructs a checkpointed process and returns once it is
// scheduled.
func (c *Controller) ContinueNowait(ctx context.Context, pid string) (string, error) {
	future, err := c.async.ContinueNowait(ctx, pid)
	if err != nil {
		return "", err
	}
	return c.pidReply(ctx, future)
}

// PauseAll broadcasts a pause intent to every live process.
func (c *Controller) PauseAll(ctx context.Context, msg string) error {
	return c.async.PauseAll(ctx, msg)
}

// PlayAll broadcasts a play intent to every live process.
func (c *Controller) PlayAll(ctx context.Context) error {
	return c.async.PlayAll(ctx)
}

// KillAll broadcasts a kill intent to every live process.
func (c *Controller) KillAll(ctx context.Context, msg string) error {
	return c.async.KillAll(ctx, msg)
}

func (c *Controller) boolReply(ctx context.Context, future *Future, key string) (bool, error) {
	resp, err := future.Wait(ctx, c.timeout)
	if err != nil {
		return false, err
	}
	value, ok := resp.Result[key].(bool)
	if !ok {
		return false, fmt.Errorf("acknowledgement missing %q flag", key)
	}
	return value, nil
}

func (c *Controller) pidReply(ctx context.Context, future *Future) (string, error) {
	resp, err := future.Wait(ctx, c.timeout)
	if err != nil {
		return "", err
	}
	pid, ok := resp.Result["pid"].(string)
	if !ok {
		return "", fmt.Errorf("acknowledgement missing pid")
	}
	return pid, nil
}

func (c *Controller) outputsReply(ctx context.Context, future *Future) (map[string]interface{}, error) {
	resp, err := future.Wait(ctx, c.timeout)
	if err != nil {
		return nil, err
	}
	if outputs, ok := resp.Result["outputs"].(map[string]interface{}); ok {
		return outputs, nil
	}
	return nil, nil
}

// Payload builders shared by both controller flavors; the wire shape of an
// intent never depends on which flavor sent it.

func pausePayload(msg string, timeout time.Duration) (map[string]interface{}, error) {
	if msg == "" && timeout <= 0 {
		return nil, nil
	}
	p := contracts.PausePayload{Message: msg}
	if timeout > 0 {
		p.TimeoutSeconds = timeout.Seconds()
	}
	return contracts.EncodePayload(p)
}

func killPayload(msg string) (map[string]interface{}, error) {
	if msg == "" {
		return nil, nil
	}
	return contracts.EncodePayload(contracts.KillPayload{Message: msg})
}

func launchPayload(typeID string, inputs map[string]interface{}, nowait bool) (map[string]interface{}, error) {
	if typeID == "" {
		return nil, fmt.Errorf("launch requires a process type id")
	}
	return contracts.EncodePayload(contracts.LaunchTask{TypeID: typeID, Inputs: inputs, Nowait: nowait})
}

func continuePayload(pid, tag string, nowait bool) (map[string]interface{}, error) {
	if pid == "" {
		return nil, fmt.Errorf("continue requires a pid")
	}
	return contracts.EncodePayload(contracts.ContinueTask{PID: pid, Tag: tag, Nowait: nowait})
}
