package fsm

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	label    Label
	terminal bool
	enterErr error
	exitErr  error
	events   *[]string
}

func (s *testState) Label() Label   { return s.label }
func (s *testState) Terminal() bool { return s.terminal }

func (s *testState) Enter(from Label) error {
	if s.events != nil {
		*s.events = append(*s.events, fmt.Sprintf("enter:%s<-%s", s.label, from))
	}
	return s.enterErr
}

func (s *testState) Exit(to Label) error {
	if s.events != nil {
		*s.events = append(*s.events, fmt.Sprintf("exit:%s->%s", s.label, to))
	}
	return s.exitErr
}

func linearTable() map[Label][]Label {
	return map[Label][]Label{
		"start":  {"middle"},
		"middle": {"middle", "end"},
		"end":    {},
	}
}

func TestInitialize(t *testing.T) {
	t.Run("sets initial state and fires entry hook", func(t *testing.T) {
		var events []string
		m := New(linearTable())

		err := m.Initialize(&testState{label: "start", events: &events})

		assert.NoError(t, err)
		assert.Equal(t, Label("start"), m.CurrentLabel())
		assert.Equal(t, []Label{"start"}, m.History())
		assert.Equal(t, []string{"enter:start<-"}, events)
	})

	t.Run("second initialize fails", func(t *testing.T) {
		m := New(linearTable())
		require.NoError(t, m.Initialize(&testState{label: "start"}))

		err := m.Initialize(&testState{label: "middle"})

		var terr *TransitionError
		assert.ErrorAs(t, err, &terr)
		assert.Equal(t, Label("start"), m.CurrentLabel())
	})

	t.Run("nil initial state fails", func(t *testing.T) {
		m := New(linearTable())
		assert.Error(t, m.Initialize(nil))
	})
}

func TestTransitionTo(t *testing.T) {
	t.Run("valid transition swaps state and appends history", func(t *testing.T) {
		m := New(linearTable())
		require.NoError(t, m.Initialize(&testState{label: "start"}))

		err := m.TransitionTo(&testState{label: "middle"})

		assert.NoError(t, err)
		assert.Equal(t, Label("middle"), m.CurrentLabel())
		assert.Equal(t, []Label{"start", "middle"}, m.History())
		assert.Nil(t, m.Failure())
	})

	t.Run("hooks fire in lifecycle order", func(t *testing.T) {
		var events []string
		observer := func(hook Hook, from, to Label) {
			events = append(events, fmt.Sprintf("%s:%s->%s", hook, from, to))
		}
		m := New(linearTable(), WithObserver(observer))
		require.NoError(t, m.Initialize(&testState{label: "start", events: &events}))
		events = nil

		err := m.TransitionTo(&testState{label: "middle", events: &events})

		require.NoError(t, err)
		assert.Equal(t, []string{
			"exiting:start->middle",
			"exit:start->middle",
			"entering:start->middle",
			"enter:middle<-start",
			"entered:start->middle",
		}, events)
	})

	t.Run("target outside allowed set fails and preserves state", func(t *testing.T) {
		m := New(linearTable())
		require.NoError(t, m.Initialize(&testState{label: "start"}))

		err := m.TransitionTo(&testState{label: "end"})

		var terr *TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, Label("start"), terr.From)
		assert.Equal(t, Label("end"), terr.To)
		assert.Equal(t, Label("start"), m.CurrentLabel())
		assert.Error(t, m.Failure())
	})

	t.Run("terminal state accepts no transitions", func(t *testing.T) {
		m := New(linearTable())
		require.NoError(t, m.Initialize(&testState{label: "start"}))
		require.NoError(t, m.TransitionTo(&testState{label: "middle"}))
		require.NoError(t, m.TransitionTo(&testState{label: "end", terminal: true}))

		err := m.TransitionTo(&testState{label: "middle"})

		var terr *TransitionError
		assert.ErrorAs(t, err, &terr)
		assert.Equal(t, Label("end"), m.CurrentLabel())
	})

	t.Run("transition before initialize fails", func(t *testing.T) {
		m := New(linearTable())
		assert.Error(t, m.TransitionTo(&testState{label: "middle"}))
	})

	t.Run("re-entrant transition from an observer fails", func(t *testing.T) {
		m := New(linearTable())
		var reentrant error
		fired := false
		m.AddObserver(func(hook Hook, from, to Label) {
			if hook == HookEntering && to == "middle" && !fired {
				fired = true
				reentrant = m.TransitionTo(&testState{label: "end"})
			}
		})
		require.NoError(t, m.Initialize(&testState{label: "start"}))

		require.NoError(t, m.TransitionTo(&testState{label: "middle"}))

		var terr *TransitionError
		assert.ErrorAs(t, reentrant, &terr)
		assert.Contains(t, terr.Reason, "in progress")
		assert.Equal(t, Label("middle"), m.CurrentLabel())
	})
}

func TestHookFailures(t *testing.T) {
	t.Run("exit hook failure aborts before swap", func(t *testing.T) {
		m := New(linearTable())
		boom := errors.New("boom")
		require.NoError(t, m.Initialize(&testState{label: "start", exitErr: boom}))

		err := m.TransitionTo(&testState{label: "middle"})

		var terr *TransitionError
		require.ErrorAs(t, err, &terr)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, Label("start"), m.CurrentLabel())
	})

	t.Run("entry hook failure records failure after swap", func(t *testing.T) {
		m := New(linearTable())
		boom := errors.New("boom")
		require.NoError(t, m.Initialize(&testState{label: "start"}))

		err := m.TransitionTo(&testState{label: "middle", enterErr: boom})

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, Label("middle"), m.CurrentLabel())
		assert.Error(t, m.Failure())
	})
}

func TestForce(t *testing.T) {
	m := New(linearTable())
	require.NoError(t, m.Initialize(&testState{label: "start"}))

	err := m.Force(&testState{label: "end", terminal: true})

	assert.NoError(t, err)
	assert.Equal(t, Label("end"), m.CurrentLabel())
	assert.Equal(t, []Label{"start", "end"}, m.History())
}

// TestTransitionTableProperty drives random tables with random target
// sequences: a transition must succeed exactly when the edge is in the table.
func TestTransitionTableProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	labels := []Label{"a", "b", "c", "d", "e"}

	contains := func(set []Label, l Label) bool {
		for _, s := range set {
			if s == l {
				return true
			}
		}
		return false
	}

	for trial := 0; trial < 50; trial++ {
		table := make(map[Label][]Label, len(labels))
		for _, from := range labels {
			var targets []Label
			for _, to := range labels {
				if rng.Intn(2) == 0 {
					targets = append(targets, to)
				}
			}
			table[from] = targets
		}

		m := New(table)
		require.NoError(t, m.Initialize(&testState{label: "a"}))

		for i := 0; i < 20; i++ {
			target := labels[rng.Intn(len(labels))]
			from := m.CurrentLabel()
			err := m.TransitionTo(&testState{label: target})
			if contains(table[from], target) {
				assert.NoError(t, err, "trial %d: %s -> %s should be allowed", trial, from, target)
				assert.Equal(t, target, m.CurrentLabel())
			} else {
				assert.Error(t, err, "trial %d: %s -> %s should be rejected", trial, from, target)
				assert.Equal(t, from, m.CurrentLabel())
			}
		}
	}
}
