package appserver

import (
	"strings"

	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/mcpwrap"
	"github.com/hapihub/codex-bridge/internal/bridge/shared"
)

// handleCodexEvent unwraps legacy codex/event notifications. The payload may
// sit under msg, event, payload, or data; the event name may come from the
// method suffix or from the nested message itself. Nested codex/event
// methods and MCP envelopes recurse onto the same path.
func (c *Converter) handleCodexEvent(suffix string, params map[string]any) {
	inner := shared.GetMap(params, "msg", "event", "payload", "data")
	if inner == nil {
		inner = params
	}

	name := suffix
	if name == "" {
		name = shared.GetString(inner, "method", "type")
	}
	if strings.HasPrefix(name, "codex/event") {
		c.handleCodexEvent(strings.TrimPrefix(strings.TrimPrefix(name, "codex/event"), "/"), inner)
		return
	}
	if mcpwrap.IsEnvelope(inner) {
		var unwrapped map[string]any
		name, unwrapped = mcpwrap.Unwrap(inner)
		c.HandleEvent(name, unwrapped)
		return
	}
	// A nested method indicates another notification layer.
	if method := shared.GetString(inner, "method"); method != "" && method != name {
		c.handle(method, inner)
		return
	}
	c.HandleEvent(mcpwrap.NormalizeName(name), inner)
}

// HandleEvent converts a direct-event shape: a payload whose normalized name
// is a canonical event name or one of its aliases. Unrecognized names are
// dropped with throttled debug logging.
func (c *Converter) HandleEvent(name string, payload map[string]any) {
	switch name {
	case "thread_started", "thread_resumed", "session_created", "session_configured":
		c.handleThreadStarted(payload)
	case "task_started", "turn_started":
		c.handleTurnStarted(payload)
	case "task_complete", "task_completed", "turn_complete", "turn_completed":
		c.handleTurnCompleted(payload)
	case "task_failed", "turn_failed":
		c.send(events.Event{
			Type:    events.TypeTaskFailed,
			TurnID:  shared.GetString(payload, "turn_id", "turnId"),
			Message: firstNonEmpty(shared.GetString(payload, "message"), errorMessage(payload["error"])),
		})
	case "turn_aborted", "turn_interrupted", "turn_cancelled", "turn_canceled":
		c.send(events.Event{
			Type:   events.TypeTurnAborted,
			TurnID: shared.GetString(payload, "turn_id", "turnId"),
		})
	case "error", "stream_error":
		method := codexNotifyName(name)
		c.handleErrorNotification(method, payload)
	case "agent_message":
		c.send(events.Event{
			Type:    events.TypeAgentMessage,
			Message: firstNonEmpty(shared.GetString(payload, "message", "text"), shared.ToText(payload["content"])),
		})
	case "agent_reasoning":
		c.send(events.Event{
			Type: events.TypeAgentReasoning,
			Text: firstNonEmpty(shared.GetString(payload, "text", "message"), shared.ToText(payload["content"])),
		})
	case "agent_reasoning_delta":
		c.send(events.Event{
			Type:  events.TypeAgentReasoningDelta,
			Delta: shared.GetString(payload, "delta", "text"),
		})
	case "agent_reasoning_section_break":
		c.send(events.Event{Type: events.TypeAgentReasoningSectionBreak})
	case "exec_command_begin":
		c.send(events.Event{
			Type:         events.TypeExecCommandBegin,
			CallID:       shared.GetString(payload, "call_id", "callId", "item_id", "itemId"),
			Command:      commandString(payload["command"]),
			Cwd:          shared.GetString(payload, "cwd"),
			AutoApproved: shared.GetBool(payload, "auto_approved", "autoApproved"),
		})
	case "exec_command_end":
		ev := events.Event{
			Type:    events.TypeExecCommandEnd,
			CallID:  shared.GetString(payload, "call_id", "callId", "item_id", "itemId"),
			Command: commandString(payload["command"]),
			Cwd:     shared.GetString(payload, "cwd"),
			Output:  shared.GetString(payload, "output", "aggregated_output", "aggregatedOutput", "stdout"),
			Stderr:  shared.GetString(payload, "stderr"),
			Status:  shared.GetString(payload, "status"),
			Message: errorMessage(payload["error"]),
		}
		if code, ok := shared.GetInt(payload, "exit_code", "exitCode"); ok {
			ev.ExitCode = &code
		}
		c.send(ev)
	case "exec_approval_request", "apply_patch_approval_request":
		c.send(events.Event{
			Type:    events.TypeExecApprovalRequest,
			CallID:  shared.GetString(payload, "call_id", "callId", "item_id", "itemId"),
			Command: commandString(payload["command"]),
			Cwd:     shared.GetString(payload, "cwd"),
			Message: shared.GetString(payload, "message", "reason", "reasoning"),
			Tool:    shared.GetString(payload, "tool"),
		})
	case "patch_apply_begin":
		c.send(events.Event{
			Type:         events.TypePatchApplyBegin,
			CallID:       shared.GetString(payload, "call_id", "callId", "item_id", "itemId"),
			Changes:      shared.DecodeChanges(payload["changes"]),
			AutoApproved: shared.GetBool(payload, "auto_approved", "autoApproved"),
		})
	case "patch_apply_end":
		c.send(events.Event{
			Type:    events.TypePatchApplyEnd,
			CallID:  shared.GetString(payload, "call_id", "callId", "item_id", "itemId"),
			Changes: shared.DecodeChanges(payload["changes"]),
			Stdout:  shared.GetString(payload, "stdout"),
			Stderr:  shared.GetString(payload, "stderr"),
			Success: shared.GetBool(payload, "success") || shared.GetString(payload, "status") == "completed",
		})
	case "todo_list":
		items := shared.DecodeTodoItems(shared.GetSlice(payload, "items", "entries", "todos", "plan"))
		c.send(events.Event{
			Type:    events.TypeTodoList,
			Items:   items,
			Entries: items,
		})
	case "turn_diff":
		c.send(events.Event{
			Type:        events.TypeTurnDiff,
			UnifiedDiff: shared.GetString(payload, "unified_diff", "unifiedDiff", "diff"),
		})
	case "token_count":
		c.handleTokenUsageUpdated(payload)
	default:
		c.drop.Dropped("codex/event/" + name)
	}
}

func codexNotifyName(name string) string {
	if name == "stream_error" {
		return "stream_error"
	}
	return "error"
}

// commandString renders a command that may arrive as a string or argv list.
func commandString(v any) string {
	switch cmd := v.(type) {
	case string:
		return cmd
	case []any:
		parts := make([]string, 0, len(cmd))
		for _, p := range cmd {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
