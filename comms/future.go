package comms

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/procmate-go/contracts"
)

// Future resolves to an RPC response exactly once. It is safe for concurrent
// use; late SetResult/SetError calls after resolution are ignored.
type Future struct {
	mu   sync.Mutex
	done chan struct{}
	resp *contracts.Response
	err  error
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// SetResult resolves the future with a response. It reports whether this
// call performed the resolution.
func (f *Future) SetResult(resp *contracts.Response) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolvedLocked() {
		return false
	}
	f.resp = resp
	close(f.done)
	return true
}

// SetError resolves the future with a transport-level error.
func (f *Future) SetError(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolvedLocked() {
		return false
	}
	f.err = err
	close(f.done)
	return true
}

func (f *Future) resolvedLocked() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Response returns the resolution, or ErrPending before Done is closed.
func (f *Future) Response() (*contracts.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.resolvedLocked() {
		return nil, ErrPending
	}
	return f.resp, f.err
}

// Wait blocks until the future resolves, the context is cancelled, or the
// timeout elapses. A zero timeout waits on the context alone. Timeouts
// surface as *TimeoutError, error acknowledgements as *RemoteError.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) (*contracts.Response, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case <-f.done:
		resp, err := f.Response()
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return resp, &RemoteError{Detail: resp.ErrorDetail}
		}
		return resp, nil
	case <-timeoutCh:
		return nil, &TimeoutError{Op: "rpc", Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Value exposes the future as an awaitable condition: the result map of a
// successful acknowledgement, or the acknowledged error. Processes block on
// futures through this surface.
func (f *Future) Value() (interface{}, error) {
	resp, err := f.Response()
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	if resp.IsError() {
		return nil, &RemoteError{Detail: resp.ErrorDetail}
	}
	return resp.Result, nil
}
