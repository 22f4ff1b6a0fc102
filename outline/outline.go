package outline

import (
	"context"
	"fmt"
)

// StepFn is the unit of work carried by a Step node. It runs on the
// process's scheduler turn; anything slow must be handed off through
// Workflow.ToContext rather than blocking here.
type StepFn func(ctx context.Context, w *Workflow) error

// Instruction is one node of an outline: a step, a conditional, a loop or
// an early return. Instructions are assembled once, before the workflow
// type is registered, and never change afterwards; all mutable execution
// state lives in the Stepper an instruction creates. The node set is
// closed: saved cursors identify nodes by fingerprint, which only holds
// within this package.
type Instruction interface {
	// CreateStepper returns a fresh stepper positioned at the
	// instruction's beginning.
	CreateStepper(w *Workflow) Stepper
	// RecreateStepper rebuilds a stepper from a saved cursor, resuming
	// the instruction exactly where the snapshot was taken.
	RecreateStepper(saved map[string]interface{}, w *Workflow) (Stepper, error)
	// label fingerprints the node inside saved cursors, so a checkpoint
	// taken against an older outline is rejected instead of resuming at
	// the wrong node.
	label() string
}

// Stepper executes its instruction incrementally. Step performs at most one
// leaf unit of work and reports whether the instruction has finished; Save
// captures the cursor needed to resume.
type Stepper interface {
	Step(ctx context.Context) (finished bool, err error)
	Save() map[string]interface{}
}

// Outline is the immutable instruction tree a workflow interprets.
type Outline struct {
	block []Instruction
}

// New assembles an outline from top-level instructions.
func New(instructions ...Instruction) *Outline {
	return &Outline{block: instructions}
}

func (o *Outline) createStepper(w *Workflow) Stepper {
	return newBlockStepper(o.block, w)
}

func (o *Outline) recreateStepper(saved map[string]interface{}, w *Workflow) (Stepper, error) {
	return recreateBlockStepper(o.block, saved, w)
}

// stepNode is a leaf: one named unit of work.
type stepNode struct {
	name string
	fn   StepFn
}

// Step creates a leaf instruction. The name identifies the node in saved
// cursors, so renaming a step invalidates checkpoints taken at it.
func Step(name string, fn StepFn) Instruction {
	return &stepNode{name: name, fn: fn}
}

func (n *stepNode) label() string { return "step:" + n.name }

func (n *stepNode) CreateStepper(w *Workflow) Stepper {
	return &functionStepper{node: n, w: w}
}

func (n *stepNode) RecreateStepper(saved map[string]interface{}, w *Workflow) (Stepper, error) {
	var cur stepCursor
	if err := decodeCursor(saved, &cur); err != nil {
		return nil, fmt.Errorf("step %q: %w", n.name, err)
	}
	if cur.Name != "" && cur.Name != n.name {
		return nil, fmt.Errorf("saved cursor names step %q, outline has %q here", cur.Name, n.name)
	}
	return &functionStepper{node: n, w: w}, nil
}

// guardedBlock is one branch of a conditional: a predicate and the
// instructions guarded by it. The else branch has a nil predicate and
// always matches.
type guardedBlock struct {
	pred Predicate
	body []Instruction
}

// IfNode is a conditional instruction. Branches are tried in order; the
// first whose predicate holds is entered, and with no match and no else the
// node is skipped.
type IfNode struct {
	branches []guardedBlock
	sealed   bool
}

// If creates a conditional entered when pred holds.
func If(pred Predicate, then ...Instruction) *IfNode {
	return &IfNode{branches: []guardedBlock{{pred: pred, body: then}}}
}

// Elif adds a further guarded branch, tried when no earlier branch matched.
func (n *IfNode) Elif(pred Predicate, instructions ...Instruction) *IfNode {
	if n.sealed {
		panic("outline: Elif after Else")
	}
	n.branches = append(n.branches, guardedBlock{pred: pred, body: instructions})
	return n
}

// Else adds the fallback branch. It must come last.
func (n *IfNode) Else(instructions ...Instruction) *IfNode {
	if n.sealed {
		panic("outline: multiple Else branches")
	}
	n.sealed = true
	n.branches = append(n.branches, guardedBlock{pred: nil, body: instructions})
	return n
}

func (n *IfNode) label() string { return "if" }

func (n *IfNode) CreateStepper(w *Workflow) Stepper {
	return &ifStepper{node: n, w: w, branch: branchUndecided}
}

func (n *IfNode) RecreateStepper(saved map[string]interface{}, w *Workflow) (Stepper, error) {
	cur := ifCursor{Branch: branchUndecided}
	if err := decodeCursor(saved, &cur); err != nil {
		return nil, fmt.Errorf("conditional: %w", err)
	}
	s := &ifStepper{node: n, w: w, branch: cur.Branch}
	if cur.Branch == branchUndecided {
		return s, nil
	}
	if cur.Branch < 0 || cur.Branch >= len(n.branches) {
		return nil, fmt.Errorf("saved cursor names branch %d, conditional has %d", cur.Branch, len(n.branches))
	}
	child, err := recreateBlockStepper(n.branches[cur.Branch].body, cur.Child, w)
	if err != nil {
		return nil, err
	}
	s.child = child
	return s, nil
}

// whileNode repeats its body while the predicate holds.
type whileNode struct {
	pred Predicate
	body []Instruction
}

// While creates a loop. The predicate is re-evaluated before each entry
// into the body; once it fails the loop exits to the following sibling.
func While(pred Predicate, body ...Instruction) Instruction {
	return &whileNode{pred: pred, body: body}
}

func (n *whileNode) label() string { return "while" }

func (n *whileNode) CreateStepper(w *Workflow) Stepper {
	return &whileStepper{node: n, w: w}
}

func (n *whileNode) RecreateStepper(saved map[string]interface{}, w *Workflow) (Stepper, error) {
	var cur whileCursor
	if err := decodeCursor(saved, &cur); err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	s := &whileStepper{node: n, w: w}
	if cur.Child != nil {
		child, err := recreateBlockStepper(n.body, cur.Child, w)
		if err != nil {
			return nil, err
		}
		s.child = child
	}
	return s, nil
}

// returnNode ends the outline early.
type returnNode struct{}

// Return creates an instruction that finishes the whole outline when
// reached, skipping everything after it.
func Return() Instruction {
	return returnNode{}
}

func (returnNode) label() string { return "return" }

func (returnNode) CreateStepper(w *Workflow) Stepper {
	return returnStepper{}
}

func (returnNode) RecreateStepper(saved map[string]interface{}, w *Workflow) (Stepper, error) {
	return returnStepper{}, nil
}
