package outline

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// errReturn unwinds the stepper stack when a Return node is reached. The
// workflow's run step translates it into a Finish directive.
var errReturn = errors.New("outline finished by return")

// branchUndecided marks an if stepper whose predicate has not run yet.
const branchUndecided = -1

// Cursor shapes. Saved cursors travel inside the checkpoint bundle's
// continuation, so they round-trip through JSON; the weakly typed decoder
// absorbs the resulting number drift.

type blockCursor struct {
	Pos   int                    `mapstructure:"pos"`
	At    string                 `mapstructure:"at"`
	Child map[string]interface{} `mapstructure:"child"`
}

type ifCursor struct {
	Branch int                    `mapstructure:"branch"`
	Child  map[string]interface{} `mapstructure:"child"`
}

type whileCursor struct {
	Child map[string]interface{} `mapstructure:"child"`
}

type stepCursor struct {
	Name string `mapstructure:"name"`
}

func decodeCursor(saved map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(saved); err != nil {
		return fmt.Errorf("malformed cursor: %w", err)
	}
	return nil
}

// blockStepper runs a sequence of instructions in order, one child step per
// call.
type blockStepper struct {
	block []Instruction
	w     *Workflow
	pos   int
	child Stepper
}

func newBlockStepper(block []Instruction, w *Workflow) *blockStepper {
	return &blockStepper{block: block, w: w}
}

func recreateBlockStepper(block []Instruction, saved map[string]interface{}, w *Workflow) (*blockStepper, error) {
	s := newBlockStepper(block, w)
	if saved == nil {
		return s, nil
	}
	var cur blockCursor
	if err := decodeCursor(saved, &cur); err != nil {
		return nil, err
	}
	if cur.Pos < 0 || cur.Pos > len(block) {
		return nil, fmt.Errorf("saved cursor position %d is outside the block of %d instructions", cur.Pos, len(block))
	}
	if cur.At != "" && cur.Pos < len(block) && block[cur.Pos].label() != cur.At {
		return nil, fmt.Errorf("saved cursor expects %q at position %d, outline has %q", cur.At, cur.Pos, block[cur.Pos].label())
	}
	s.pos = cur.Pos
	if cur.Child != nil {
		if cur.Pos == len(block) {
			return nil, fmt.Errorf("saved cursor carries a child beyond the block's end")
		}
		child, err := block[cur.Pos].RecreateStepper(cur.Child, w)
		if err != nil {
			return nil, err
		}
		s.child = child
	}
	return s, nil
}

func (s *blockStepper) Step(ctx context.Context) (bool, error) {
	if s.pos >= len(s.block) {
		return true, nil
	}
	if s.child == nil {
		s.child = s.block[s.pos].CreateStepper(s.w)
	}
	finished, err := s.child.Step(ctx)
	if err != nil {
		return false, err
	}
	if finished {
		s.child = nil
		s.pos++
	}
	return s.pos >= len(s.block), nil
}

func (s *blockStepper) Save() map[string]interface{} {
	saved := map[string]interface{}{"pos": s.pos}
	if s.pos < len(s.block) {
		saved["at"] = s.block[s.pos].label()
	}
	if s.child != nil {
		saved["child"] = s.child.Save()
	}
	return saved
}

// functionStepper runs one Step node. A single call completes it.
type functionStepper struct {
	node *stepNode
	w    *Workflow
}

func (s *functionStepper) Step(ctx context.Context) (bool, error) {
	if err := s.node.fn(ctx, s.w); err != nil {
		return false, fmt.Errorf("step %q: %w", s.node.name, err)
	}
	return true, nil
}

func (s *functionStepper) Save() map[string]interface{} {
	return map[string]interface{}{"name": s.node.name}
}

// ifStepper picks a branch on first entry and then runs it to completion.
// The decision is part of the cursor: a resumed conditional never
// re-evaluates its predicates.
type ifStepper struct {
	node   *IfNode
	w      *Workflow
	branch int
	child  Stepper
}

func (s *ifStepper) Step(ctx context.Context) (bool, error) {
	if s.branch == branchUndecided {
		for i, b := range s.node.branches {
			if b.pred == nil {
				s.branch = i
				break
			}
			ok, err := b.pred(s.w)
			if err != nil {
				return false, err
			}
			if ok {
				s.branch = i
				break
			}
		}
		if s.branch == branchUndecided {
			// No branch matched and there is no else.
			return true, nil
		}
		s.child = newBlockStepper(s.node.branches[s.branch].body, s.w)
	}
	return s.child.Step(ctx)
}

func (s *ifStepper) Save() map[string]interface{} {
	if s.branch == branchUndecided {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"branch": s.branch,
		"child":  s.child.Save(),
	}
}

// whileStepper re-evaluates its predicate between body runs. Only a cursor
// into a live body iteration is saved; the predicate decides everything
// else on resume.
type whileStepper struct {
	node  *whileNode
	w     *Workflow
	child Stepper
}

func (s *whileStepper) Step(ctx context.Context) (bool, error) {
	if s.child == nil {
		ok, err := s.node.pred(s.w)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		s.child = newBlockStepper(s.node.body, s.w)
	}
	finished, err := s.child.Step(ctx)
	if err != nil {
		return false, err
	}
	if finished {
		s.child = nil
	}
	return false, nil
}

func (s *whileStepper) Save() map[string]interface{} {
	if s.child == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{"child": s.child.Save()}
}

// returnStepper unwinds the whole outline.
type returnStepper struct{}

func (returnStepper) Step(ctx context.Context) (bool, error) {
	return false, errReturn
}

func (returnStepper) Save() map[string]interface{} {
	return map[string]interface{}{}
}
