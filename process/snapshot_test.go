package process

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procmate-go/persist"
)

// counterFactory builds a definition whose per-instance counter rides the
// continuation, exercising SaveState and LoadState.
func counterFactory() *Definition {
	var count int
	return &Definition{
		TypeID: "test.counter",
		Entry:  "tick",
		Steps: map[string]StepFunc{
			"tick": func(ctx context.Context, p *Process) Directive {
				count++
				if count < 3 {
					return Wait("tick", "waiting for the next tick")
				}
				return Finish(map[string]interface{}{"count": count})
			},
		},
		SaveState: func(p *Process, state map[string]interface{}) error {
			state["count"] = count
			return nil
		},
		LoadState: func(p *Process, state map[string]interface{}) error {
			if v, ok := state["count"]; ok {
				count = int(v.(float64))
			}
			return nil
		},
	}
}

func waiterFactory() *Definition { return waitingDef() }

func newTestRegistry(t *testing.T) *TypeRegistry {
	t.Helper()
	reg := NewTypeRegistry()
	require.NoError(t, reg.Register("test.waiter", waiterFactory))
	require.NoError(t, reg.Register("test.counter", counterFactory))
	require.NoError(t, reg.Register("test.double", doubleDef))
	return reg
}

// roundTrip pushes a bundle through a persister so it picks up the same
// type drift a real checkpoint would.
func roundTrip(t *testing.T, b *persist.Bundle) *persist.Bundle {
	t.Helper()
	store := persist.NewInMemoryPersister()
	require.NoError(t, store.SaveCheckpoint(context.Background(), b, ""))
	out, err := store.LoadCheckpoint(context.Background(), b.PID, "")
	require.NoError(t, err)
	return out
}

func TestSnapshotRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)

	t.Run("created", func(t *testing.T) {
		s := newTestScheduler(t)
		p, err := New(waitingDef(), map[string]interface{}{"a": "b"}, WithScheduler(s))
		require.NoError(t, err)

		b, err := p.Snapshot()
		require.NoError(t, err)

		r, err := NewFromBundle(roundTrip(t, b), reg, WithScheduler(s))
		require.NoError(t, err)
		assert.Equal(t, p.PID(), r.PID())
		assert.Equal(t, LabelCreated, r.Label())
		assert.Equal(t, map[string]interface{}{"a": "b"}, r.Inputs())
	})

	t.Run("waiting", func(t *testing.T) {
		s := newTestScheduler(t)
		p, err := New(waitingDef(), nil, WithScheduler(s))
		require.NoError(t, err)
		require.NoError(t, p.Launch())
		require.Eventually(t, func() bool { return p.Label() == LabelWaiting }, waitFor, tick)
		require.NoError(t, s.Flush(context.Background()))

		b, err := p.Snapshot()
		require.NoError(t, err)

		r, err := NewFromBundle(roundTrip(t, b), reg, WithScheduler(s))
		require.NoError(t, err)
		assert.Equal(t, LabelWaiting, r.Label())
		st, ok := r.State().(Waiting)
		require.True(t, ok)
		assert.Equal(t, "after", st.Step)
		assert.Equal(t, "waiting for a signal", st.Message)
	})

	t.Run("paused flag survives", func(t *testing.T) {
		s := newTestScheduler(t)
		p, err := New(waitingDef(), nil, WithScheduler(s))
		require.NoError(t, err)
		require.NoError(t, p.Launch())
		require.Eventually(t, func() bool { return p.Label() == LabelWaiting }, waitFor, tick)
		require.True(t, p.Pause("operator hold"))
		require.NoError(t, s.Flush(context.Background()))

		b, err := p.Snapshot()
		require.NoError(t, err)

		r, err := NewFromBundle(roundTrip(t, b), reg, WithScheduler(s))
		require.NoError(t, err)
		assert.True(t, r.Paused())
		assert.Equal(t, "operator hold", r.PauseMessage())
	})

	t.Run("finished reload is terminal and inspectable", func(t *testing.T) {
		s := newTestScheduler(t)
		p, err := New(doubleDef(), map[string]interface{}{"x": 5}, WithScheduler(s))
		require.NoError(t, err)
		require.NoError(t, p.Launch())
		require.NoError(t, p.Wait(context.Background()))

		b, err := p.Snapshot()
		require.NoError(t, err)

		r, err := NewFromBundle(roundTrip(t, b), reg, WithScheduler(s))
		require.NoError(t, err)
		assert.Equal(t, LabelFinished, r.Label())

		// Terminal on arrival: Wait returns at once and Result works.
		require.NoError(t, r.Wait(context.Background()))
		outputs, err := r.Result()
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"y": float64(10)}, outputs)
	})

	t.Run("killed reload keeps the cause", func(t *testing.T) {
		s := newTestScheduler(t)
		p, err := New(waitingDef(), nil, WithScheduler(s))
		require.NoError(t, err)
		require.NoError(t, p.Launch())
		require.Eventually(t, func() bool { return p.Label() == LabelWaiting }, waitFor, tick)
		require.True(t, p.Kill("shutting down"))

		b, err := p.Snapshot()
		require.NoError(t, err)

		r, err := NewFromBundle(roundTrip(t, b), reg, WithScheduler(s))
		require.NoError(t, err)
		assert.Equal(t, LabelKilled, r.Label())
		_, err = r.Result()
		var kerr *KilledError
		require.ErrorAs(t, err, &kerr)
		assert.Equal(t, "shutting down", kerr.Message)
	})
}

func TestReloadedWaitingProcessResumes(t *testing.T) {
	reg := newTestRegistry(t)
	s := newTestScheduler(t)

	p, err := New(waitingDef(), nil, WithScheduler(s))
	require.NoError(t, err)
	require.NoError(t, p.Launch())
	require.Eventually(t, func() bool { return p.Label() == LabelWaiting }, waitFor, tick)
	require.NoError(t, s.Flush(context.Background()))

	b, err := p.Snapshot()
	require.NoError(t, err)
	require.True(t, p.Kill("host restarting"))

	r, err := NewFromBundle(roundTrip(t, b), reg, WithScheduler(s))
	require.NoError(t, err)
	require.Equal(t, LabelWaiting, r.Label())

	r.Resume("after the restart")
	require.NoError(t, r.Wait(context.Background()))

	outputs, err := r.Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"got": "after the restart"}, outputs)
}

func TestReloadedProcessKeepsDefinitionState(t *testing.T) {
	reg := newTestRegistry(t)
	s := newTestScheduler(t)

	p, err := New(counterFactory(), nil, WithScheduler(s))
	require.NoError(t, err)
	require.NoError(t, p.Launch())
	require.Eventually(t, func() bool { return p.Label() == LabelWaiting }, waitFor, tick)
	p.Resume(nil)
	// created, running, waiting, running, waiting: the second park.
	require.Eventually(t, func() bool { return len(p.History()) >= 5 }, waitFor, tick)
	require.NoError(t, s.Flush(context.Background()))

	// Two ticks happened; the counter must ride the continuation.
	b, err := p.Snapshot()
	require.NoError(t, err)
	state, ok := b.Continuation["state"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, state["count"])
	require.True(t, p.Kill("host restarting"))

	r, err := NewFromBundle(roundTrip(t, b), reg, WithScheduler(s))
	require.NoError(t, err)

	r.Resume(nil)
	require.NoError(t, r.Wait(context.Background()))
	outputs, err := r.Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"count": 3}, outputs)
}

func TestNewFromBundleRejections(t *testing.T) {
	reg := newTestRegistry(t)
	s := newTestScheduler(t)

	base := func() *persist.Bundle {
		return &persist.Bundle{
			TypeID: "test.waiter",
			PID:    "pid-1",
			Label:  string(LabelWaiting),
			Continuation: map[string]interface{}{
				"step": "after",
			},
		}
	}

	t.Run("unknown type", func(t *testing.T) {
		b := base()
		b.TypeID = "test.vanished"
		_, err := NewFromBundle(b, reg, WithScheduler(s))
		var rerr *persist.ReconstructionError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "unknown process type", rerr.Reason)
	})

	t.Run("stale resume token", func(t *testing.T) {
		b := base()
		b.Continuation["step"] = "renamed_away"
		_, err := NewFromBundle(b, reg, WithScheduler(s))
		var rerr *persist.ReconstructionError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "stale resume token", rerr.Reason)
	})

	t.Run("missing resume token", func(t *testing.T) {
		b := base()
		delete(b.Continuation, "step")
		_, err := NewFromBundle(b, reg, WithScheduler(s))
		var rerr *persist.ReconstructionError
		require.ErrorAs(t, err, &rerr)
	})

	t.Run("unknown label", func(t *testing.T) {
		b := base()
		b.Label = "hibernating"
		_, err := NewFromBundle(b, reg, WithScheduler(s))
		var rerr *persist.ReconstructionError
		require.ErrorAs(t, err, &rerr)
		assert.Contains(t, rerr.Reason, "unknown state label")
	})

	t.Run("missing scheduler", func(t *testing.T) {
		_, err := NewFromBundle(base(), reg)
		assert.ErrorContains(t, err, "requires a scheduler")
	})
}
