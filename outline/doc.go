// Package outline provides a declarative instruction tree interpreted as a
// resumable process.
//
// An outline describes a workflow as steps, conditionals, loops and early
// returns. A process built from it executes one node per scheduler turn, so
// every node boundary is simultaneously a checkpoint and a suspension
// point: a killed or restarted workflow resumes at exactly the node it was
// about to run.
//
// Key features:
//   - Sequential steps, If/Elif/Else conditionals, While loops and Return
//   - Cursor persistence: the execution position rides the checkpoint
//   - Condition expressions compiled with expr-lang and cached
//   - Context store shared between steps and saved with the process
//   - Awaitable results assigned into the context between steps
//
// Basic usage:
//
//	flow := outline.New(
//	    outline.Step("fetch", fetchOrder),
//	    outline.If(outline.Expr("ctx.total > 1000"),
//	        outline.Step("review", requestReview),
//	    ).Else(
//	        outline.Step("approve", autoApprove),
//	    ),
//	    outline.While(outline.Expr("ctx.retries < 3"),
//	        outline.Step("charge", chargeCard),
//	    ),
//	    outline.Step("confirm", sendConfirmation),
//	)
//
//	factory := outline.NewWorkflowType("billing.order", flow)
//	process.MustRegister("billing.order", factory)
//
// Steps exchange data through the workflow context store (SetCtx/Ctx) and
// record results with SetOutput. Slow work goes through ToContext: the step
// queues an awaitable, the workflow suspends until it resolves, and the
// value appears in the context before the next node runs.
package outline
