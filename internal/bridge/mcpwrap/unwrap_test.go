package mcpwrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnwrapSingleEnvelope(t *testing.T) {
	name, payload := Unwrap(map[string]any{
		"type": "event_msg",
		"payload": map[string]any{
			"type":  "agent_message",
			"message": "hi",
		},
	})
	assert.Equal(t, "agent_message", name)
	assert.Equal(t, "hi", payload["message"])
}

// Canonicalization is idempotent over envelope unwrapping:
// event_msg(event_msg(E)) unwraps to the same payload as event_msg(E).
func TestUnwrapIsIdempotent(t *testing.T) {
	inner := map[string]any{"type": "agent_message", "message": "hi"}
	once := map[string]any{"type": "event_msg", "payload": inner}
	twice := map[string]any{"type": "response_item", "payload": once}

	name1, payload1 := Unwrap(once)
	name2, payload2 := Unwrap(twice)
	assert.Equal(t, name1, name2)
	assert.Equal(t, payload1, payload2)

	// Unwrapping an already-unwrapped payload changes nothing.
	name3, payload3 := Unwrap(payload1)
	assert.Equal(t, name1, name3)
	assert.Equal(t, payload1, payload3)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"codex/event/plan", "todo_list"},
		{"plan", "todo_list"},
		{"AgentMessage", "agent_message"},
		{"agent-message", "agent_message"},
		{"agent_message", "agent_message"},
		{"codex/event/turnDiff", "turn_diff"},
		{"exec_command_begin", "exec_command_begin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), tt.in)
	}
}

func TestIsEnvelope(t *testing.T) {
	assert.True(t, IsEnvelope(map[string]any{"type": "event_msg", "payload": map[string]any{}}))
	assert.True(t, IsEnvelope(map[string]any{"type": "response_item", "payload": map[string]any{}}))
	assert.False(t, IsEnvelope(map[string]any{"type": "event_msg"}))
	assert.False(t, IsEnvelope(map[string]any{"type": "agent_message"}))
}
