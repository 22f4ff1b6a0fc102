package process

// Awaitable is anything a process can suspend on: completion is signalled
// through Done, the outcome read through Value. comms futures satisfy this
// surface, as do child processes via their await adapter.
type Awaitable interface {
	Done() <-chan struct{}
	Value() (interface{}, error)
}

type directiveKind int

const (
	directiveContinue directiveKind = iota + 1
	directiveWait
	directiveFinish
	directiveRaise
)

func (k directiveKind) String() string {
	switch k {
	case directiveContinue:
		return "continue"
	case directiveWait:
		return "wait"
	case directiveFinish:
		return "finish"
	case directiveRaise:
		return "raise"
	default:
		return "invalid"
	}
}

// Directive is a step function's verdict on what the process does next. The
// set is closed: values are built only through Continue, Wait, WaitOn,
// Finish and Raise. The zero value is invalid and excepts the process.
type Directive struct {
	kind    directiveKind
	next    string
	message string
	await   Awaitable
	outputs map[string]interface{}
	err     error
}

// Continue schedules the named step as the next scheduler turn, never
// synchronously.
func Continue(next string) Directive {
	return Directive{kind: directiveContinue, next: next}
}

// Wait parks the process in its waiting state until something resumes it,
// then continues at the named step. The message describes what is awaited.
func Wait(next, message string) Directive {
	return Directive{kind: directiveWait, next: next, message: message}
}

// WaitOn parks the process until the awaitable completes, then continues at
// the named step with the awaitable's value delivered to it.
func WaitOn(next, message string, aw Awaitable) Directive {
	return Directive{kind: directiveWait, next: next, message: message, await: aw}
}

// Finish records the given outputs and ends the process successfully.
func Finish(outputs map[string]interface{}) Directive {
	return Directive{kind: directiveFinish, outputs: outputs}
}

// Raise ends the process as excepted, carrying err as the cause.
func Raise(err error) Directive {
	return Directive{kind: directiveRaise, err: err}
}
