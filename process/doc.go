// Package process implements resumable, remotely controllable units of work
// driven by a cooperative scheduler.
//
// A process is defined by a Definition: named step functions plus an entry
// point. Each step runs as one scheduler turn and returns a Directive, which
// either continues at another step, waits for an external trigger, finishes
// with outputs, or raises an error. The lifecycle lives in a state machine
// (created, running, waiting, finished, excepted, killed); pausing is an
// orthogonal flag that gates stepping without touching the lifecycle.
//
// Key features:
//   - Scheduler: a single-goroutine turn loop; any number of processes
//     interleave on it without per-process locking
//   - Checkpoint on every transition through a persist.Persister, so a
//     crashed or killed process resumes from its last snapshot
//   - State-change broadcasts and a per-pid control handler (play, pause,
//     kill, status) when wired to a comms.Communicator
//   - TypeRegistry mapping stable type ids to factories, the anchor for
//     reconstructing checkpoints
//
// Basic usage:
//
//	def := &process.Definition{
//	    TypeID: "demo.double",
//	    Entry:  "run",
//	    Steps: map[string]process.StepFunc{
//	        "run": func(ctx context.Context, p *process.Process) process.Directive {
//	            x, _ := p.Input("x")
//	            return process.Finish(map[string]interface{}{"y": x.(int) * 2})
//	        },
//	    },
//	}
//
//	sched := process.NewScheduler()
//	sched.Start()
//	defer sched.Stop()
//
//	p, err := process.New(def, map[string]interface{}{"x": 5},
//	    process.WithScheduler(sched))
//	err = p.Launch()
//	err = p.Wait(ctx)
//	outputs, err := p.Result()
package process
