package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	t.Run("kill payload", func(t *testing.T) {
		m, err := EncodePayload(KillPayload{Message: "operator request"})
		require.NoError(t, err)
		assert.Equal(t, "operator request", m["message"])

		var got KillPayload
		require.NoError(t, DecodePayload(m, &got))
		assert.Equal(t, "operator request", got.Message)
	})

	t.Run("launch task", func(t *testing.T) {
		m, err := EncodePayload(LaunchTask{
			TypeID: "math.double",
			Inputs: map[string]interface{}{"x": 5.0},
		})
		require.NoError(t, err)

		var got LaunchTask
		require.NoError(t, DecodePayload(m, &got))
		assert.Equal(t, "math.double", got.TypeID)
		assert.Equal(t, 5.0, got.Inputs["x"])
		assert.False(t, got.Nowait)
	})

	t.Run("status report keys follow the wire schema", func(t *testing.T) {
		m, err := EncodePayload(StatusReport{PID: "p", Label: "waiting", Paused: true})
		require.NoError(t, err)
		assert.Contains(t, m, "is_terminal")
		assert.Contains(t, m, "paused")
	})
}

func TestStateChangedSubject(t *testing.T) {
	assert.Equal(t, "state_changed.created.running", StateChangedSubject("created", "running"))
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"state_changed.*.*", "state_changed.created.running", true},
		{"state_changed.*.*", "state_changed.running", false},
		{"state_changed.#", "state_changed.running.waiting", true},
		{"state_changed.running.*", "state_changed.created.running", false},
		{"state_changed.created.running", "state_changed.created.running", true},
		{"#", "anything.at.all", true},
		{"state_changed.*.killed", "state_changed.waiting.killed", true},
		{"state_changed.*.killed", "state_changed.waiting.finished", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchSubject(tc.pattern, tc.subject),
			"pattern %q subject %q", tc.pattern, tc.subject)
	}
}
