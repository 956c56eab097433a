package appserver

import (
	"encoding/json"
	"testing"

	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect returns a converter plus the slice its events land in.
func collect(t *testing.T) (*Converter, *[]events.Event) {
	t.Helper()
	var got []events.Event
	c := NewConverter(func(ev events.Event) { got = append(got, ev) }, logger.Default())
	return c, &got
}

func notify(t *testing.T, c *Converter, method string, params map[string]any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	c.HandleNotification(method, raw)
}

func TestThreadStartedBindsThreadID(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "thread/started", map[string]any{"thread": map[string]any{"id": "th-1"}})

	require.Len(t, *got, 1)
	assert.Equal(t, events.TypeThreadStarted, (*got)[0].Type)
	assert.Equal(t, "th-1", (*got)[0].ThreadID)

	// Subsequent events inherit the bound thread id.
	notify(t, c, "turn/started", map[string]any{"turn": map[string]any{"id": "tu-1"}})
	require.Len(t, *got, 2)
	assert.Equal(t, "th-1", (*got)[1].ThreadID)
	assert.Equal(t, "tu-1", (*got)[1].TurnID)
}

func TestTurnCompletedStatusTranslation(t *testing.T) {
	tests := []struct {
		status string
		want   events.Type
	}{
		{"completed", events.TypeTaskComplete},
		{"Complete", events.TypeTaskComplete},
		{"DONE", events.TypeTaskComplete},
		{"interrupted", events.TypeTurnAborted},
		{"cancelled", events.TypeTurnAborted},
		{"canceled", events.TypeTurnAborted},
		{"Aborted", events.TypeTurnAborted},
		{"failed", events.TypeTaskFailed},
		{"error", events.TypeTaskFailed},
		{"somethingelse", events.TypeTaskComplete},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c, got := collect(t)
			notify(t, c, "turn/completed", map[string]any{
				"turn": map[string]any{"id": "tu-1", "status": tt.status},
			})
			require.Len(t, *got, 1)
			assert.Equal(t, tt.want, (*got)[0].Type)
			assert.Equal(t, "tu-1", (*got)[0].TurnID)
		})
	}
}

func TestTurnCompletedWithoutTurnID(t *testing.T) {
	// A terminal without a turn id still terminates cleanly.
	c, got := collect(t)
	notify(t, c, "turn/started", map[string]any{})
	notify(t, c, "turn/completed", map[string]any{"status": "Completed"})

	require.Len(t, *got, 2)
	assert.Equal(t, events.TypeTaskStarted, (*got)[0].Type)
	assert.Equal(t, events.TypeTaskComplete, (*got)[1].Type)
}

func TestTurnCompletedFailureCarriesError(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "turn/completed", map[string]any{
		"turn": map[string]any{"id": "tu-1", "status": "failed", "error": map[string]any{"message": "boom"}},
	})
	require.Len(t, *got, 1)
	assert.Equal(t, events.TypeTaskFailed, (*got)[0].Type)
	assert.Equal(t, "boom", (*got)[0].Message)
}

func TestRetryableErrorsAreSuppressed(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "error", map[string]any{"message": "transient", "will_retry": true})
	notify(t, c, "stream_error", map[string]any{"message": "transient", "willRetry": true})
	assert.Empty(t, *got)

	notify(t, c, "stream_error", map[string]any{"message": "fatal"})
	require.Len(t, *got, 1)
	assert.Equal(t, events.TypeStreamError, (*got)[0].Type)
	assert.Equal(t, "fatal", (*got)[0].Message)
}

func TestThreadStatusChangedSystemError(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "thread/status/changed", map[string]any{
		"threadId": "th-9",
		"status": map[string]any{
			"type":              "systemError",
			"message":           "backend exploded",
			"additionalDetails": map[string]any{"code": float64(500)},
		},
	})
	require.Len(t, *got, 1)
	ev := (*got)[0]
	assert.Equal(t, events.TypeError, ev.Type)
	assert.Equal(t, "backend exploded", ev.Message)
	assert.Equal(t, "th-9", ev.ThreadID)
	assert.Equal(t, map[string]any{"code": float64(500)}, ev.AdditionalDetails)
}

func TestThreadStatusChangedTerminalStatus(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "thread/status/changed", map[string]any{
		"status": map[string]any{"type": "interrupted"},
	})
	require.Len(t, *got, 1)
	assert.Equal(t, events.TypeTurnAborted, (*got)[0].Type)
}

func TestAgentMessageDeltaBuffering(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "item/agentMessage/delta", map[string]any{"itemId": "m1", "delta": "Hello, "})
	notify(t, c, "item/agentMessage/delta", map[string]any{"itemId": "m1", "delta": "world"})
	assert.Empty(t, *got)

	// Completion without explicit text falls back to the buffer.
	notify(t, c, "item/completed", map[string]any{
		"item": map[string]any{"id": "m1", "type": "agentMessage"},
	})
	require.Len(t, *got, 1)
	assert.Equal(t, events.TypeAgentMessage, (*got)[0].Type)
	assert.Equal(t, "Hello, world", (*got)[0].Message)
}

func TestAgentMessageExplicitTextWins(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "item/agentMessage/delta", map[string]any{"itemId": "m1", "delta": "partial"})
	notify(t, c, "item/completed", map[string]any{
		"item": map[string]any{"id": "m1", "type": "agentMessage", "text": "final text"},
	})
	require.Len(t, *got, 1)
	assert.Equal(t, "final text", (*got)[0].Message)
}

func TestReasoningDeltaEmitsAndSectionBreaks(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "item/reasoning/textDelta", map[string]any{"itemId": "r1", "delta": "first "})
	notify(t, c, "item/reasoning/textDelta", map[string]any{"itemId": "r1", "delta": "thought"})

	require.Len(t, *got, 2)
	assert.Equal(t, events.TypeAgentReasoningDelta, (*got)[0].Type)
	assert.Equal(t, "first ", (*got)[0].Delta)

	// A second reasoning item emits exactly one section break before its
	// first delta.
	notify(t, c, "item/reasoning/textDelta", map[string]any{"itemId": "r2", "delta": "second"})
	require.Len(t, *got, 4)
	assert.Equal(t, events.TypeAgentReasoningSectionBreak, (*got)[2].Type)
	assert.Equal(t, events.TypeAgentReasoningDelta, (*got)[3].Type)

	notify(t, c, "item/reasoning/textDelta", map[string]any{"itemId": "r2", "delta": " more"})
	require.Len(t, *got, 5)
	assert.Equal(t, events.TypeAgentReasoningDelta, (*got)[4].Type)
}

func TestReasoningCompletionFallsBackToBuffer(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "item/reasoning/textDelta", map[string]any{"itemId": "r1", "delta": "accumulated"})
	notify(t, c, "item/completed", map[string]any{
		"item": map[string]any{"id": "r1", "type": "reasoning"},
	})

	last := (*got)[len(*got)-1]
	assert.Equal(t, events.TypeAgentReasoning, last.Type)
	assert.Equal(t, "accumulated", last.Text)
}

func TestSummaryPartAddedEmitsSectionBreak(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "item/reasoning/summaryPartAdded", map[string]any{})
	require.Len(t, *got, 1)
	assert.Equal(t, events.TypeAgentReasoningSectionBreak, (*got)[0].Type)
}

func TestCommandExecutionLifecycle(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "item/started", map[string]any{
		"item": map[string]any{
			"id":            "cmd1",
			"type":          "commandExecution",
			"command":       "ls -la",
			"cwd":           "/tmp",
			"auto_approved": true,
		},
	})
	require.Len(t, *got, 1)
	begin := (*got)[0]
	assert.Equal(t, events.TypeExecCommandBegin, begin.Type)
	assert.Equal(t, "cmd1", begin.CallID)
	assert.Equal(t, "ls -la", begin.Command)
	assert.Equal(t, "/tmp", begin.Cwd)
	assert.True(t, begin.AutoApproved)

	// Output deltas buffer silently.
	notify(t, c, "item/commandExecution/outputDelta", map[string]any{"itemId": "cmd1", "delta": "total 0\n"})
	notify(t, c, "item/commandExecution/outputDelta", map[string]any{"itemId": "cmd1", "delta": "drwx tmp"})
	require.Len(t, *got, 1)

	notify(t, c, "item/completed", map[string]any{
		"item": map[string]any{
			"id":        "cmd1",
			"type":      "commandExecution",
			"status":    "completed",
			"exit_code": float64(0),
		},
	})
	require.Len(t, *got, 2)
	end := (*got)[1]
	assert.Equal(t, events.TypeExecCommandEnd, end.Type)
	assert.Equal(t, "cmd1", end.CallID)
	assert.Equal(t, "ls -la", end.Command)
	assert.Equal(t, "total 0\ndrwx tmp", end.Output)
	require.NotNil(t, end.ExitCode)
	assert.Equal(t, 0, *end.ExitCode)
	assert.True(t, end.AutoApproved)
}

func TestCommandExplicitOutputWinsOverBuffer(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "item/started", map[string]any{
		"item": map[string]any{"id": "cmd1", "type": "commandExecution", "command": "echo hi"},
	})
	notify(t, c, "item/commandExecution/outputDelta", map[string]any{"itemId": "cmd1", "delta": "buffered"})
	notify(t, c, "item/completed", map[string]any{
		"item": map[string]any{"id": "cmd1", "type": "commandExecution", "aggregatedOutput": "hi\n"},
	})
	end := (*got)[len(*got)-1]
	assert.Equal(t, "hi\n", end.Output)
}

func TestFileChangeLifecycle(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "item/started", map[string]any{
		"item": map[string]any{
			"id":   "fc1",
			"type": "fileChange",
			"changes": []any{
				map[string]any{"path": "main.go", "kind": map[string]any{"type": "modify"}, "diff": "-a\n+b"},
			},
		},
	})
	require.Len(t, *got, 1)
	begin := (*got)[0]
	assert.Equal(t, events.TypePatchApplyBegin, begin.Type)
	require.Contains(t, begin.Changes, "main.go")
	assert.Equal(t, "modify", begin.Changes["main.go"].Kind)

	notify(t, c, "item/completed", map[string]any{
		"item": map[string]any{"id": "fc1", "type": "fileChange", "status": "completed"},
	})
	require.Len(t, *got, 2)
	end := (*got)[1]
	assert.Equal(t, events.TypePatchApplyEnd, end.Type)
	assert.True(t, end.Success)
	// Remembered changes carry through to the end event.
	require.Contains(t, end.Changes, "main.go")
}

func TestTurnDiffAndTokenUsage(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "turn/diff/updated", map[string]any{"turnId": "tu-1", "diff": "--- a\n+++ b"})
	notify(t, c, "thread/tokenUsage/updated", map[string]any{
		"turnId": "tu-1",
		"info":   map[string]any{"input": float64(12), "output": float64(34)},
	})

	require.Len(t, *got, 2)
	assert.Equal(t, events.TypeTurnDiff, (*got)[0].Type)
	assert.Equal(t, "--- a\n+++ b", (*got)[0].UnifiedDiff)
	assert.Equal(t, events.TypeTokenCount, (*got)[1].Type)
	assert.Equal(t, float64(12), (*got)[1].Info["input"])
}

func TestCodexEventPlanBecomesTodoList(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "codex/event/plan", map[string]any{
		"entries": []any{
			map[string]any{"content": "ship", "status": "pending"},
		},
	})
	require.Len(t, *got, 1)
	ev := (*got)[0]
	assert.Equal(t, events.TypeTodoList, ev.Type)
	require.Len(t, ev.Items, 1)
	assert.Equal(t, "ship", ev.Items[0].Content)
	// Entries mirror items for downstream compatibility.
	assert.Equal(t, ev.Items, ev.Entries)
}

func TestCodexEventUnwrapsNestedMessage(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "codex/event", map[string]any{
		"msg": map[string]any{"type": "agent_message", "message": "done"},
	})
	require.Len(t, *got, 1)
	assert.Equal(t, events.TypeAgentMessage, (*got)[0].Type)
	assert.Equal(t, "done", (*got)[0].Message)
}

func TestCodexEventEnvelopeUnwrap(t *testing.T) {
	// S5: an MCP event_msg envelope around a codex/event/plan payload.
	c, got := collect(t)
	notify(t, c, "codex/event", map[string]any{
		"payload": map[string]any{
			"type": "event_msg",
			"payload": map[string]any{
				"type": "codex/event/plan",
				"entries": []any{
					map[string]any{"content": "ship", "status": "pending"},
				},
			},
		},
	})
	require.Len(t, *got, 1)
	assert.Equal(t, events.TypeTodoList, (*got)[0].Type)
	require.Len(t, (*got)[0].Items, 1)
	assert.Equal(t, "ship", (*got)[0].Items[0].Content)
}

func TestUnknownNotificationEmitsNothing(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "account/updated", map[string]any{"plan": "pro"})
	assert.Empty(t, *got)
}

func TestAliasSpellingsNormalize(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "turn/started", map[string]any{"turnId": "tu-camel"})
	require.Len(t, *got, 1)
	assert.Equal(t, "tu-camel", (*got)[0].TurnID)

	c2, got2 := collect(t)
	notify(t, c2, "turn/started", map[string]any{"turn_id": "tu-snake"})
	require.Len(t, *got2, 1)
	assert.Equal(t, "tu-snake", (*got2)[0].TurnID)
}

func TestTurnStartedResetsPerTurnState(t *testing.T) {
	c, got := collect(t)
	notify(t, c, "item/reasoning/textDelta", map[string]any{"itemId": "r1", "delta": "turn one"})
	notify(t, c, "turn/started", map[string]any{"turnId": "tu-2"})
	// First reasoning item of the new turn: no section break.
	notify(t, c, "item/reasoning/textDelta", map[string]any{"itemId": "r2", "delta": "turn two"})

	var breaks int
	for _, ev := range *got {
		if ev.Type == events.TypeAgentReasoningSectionBreak {
			breaks++
		}
	}
	assert.Zero(t, breaks)
}
