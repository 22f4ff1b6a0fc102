// Package comms carries the remote-control protocol: the Communicator
// abstraction over a broker, controller clients that issue commands, and the
// launcher that serves process-creation tasks.
//
// Key features:
//   - Communicator: publish/subscribe, RPC-send and task-queue primitives
//   - LocalCommunicator: in-process broker for tests and single-host use
//   - Controller (blocking) and AsyncController (future-returning), which
//     build identical wire messages; only the waiting discipline differs
//   - Launcher: serves LAUNCH/CONTINUE tasks against a process host
//
// RPCs resolve through Futures. A call that receives no acknowledgement
// within its bound fails with a *TimeoutError; an explicit error
// acknowledgement surfaces as a *RemoteError. The two are never conflated.
//
// Basic usage:
//
//	comm := comms.NewLocalCommunicator()
//	ctl := comms.NewController(comm)
//
//	pid, err := ctl.LaunchNowait(ctx, "billing.settle", inputs)
//	report, err := ctl.Status(ctx, pid)
//	ok, err := ctl.Kill(ctx, pid, "operator request")
package comms
