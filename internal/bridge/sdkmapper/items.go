package sdkmapper

import (
	"strings"

	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/shared"
	"go.uber.org/zap"
)

// handleItem dispatches item.{started,updated,completed} by normalized item
// type.
func (m *Mapper) handleItem(phase string, ev map[string]any) {
	item := shared.GetMap(ev, "item")
	if item == nil {
		item = ev
	}
	itemID := shared.GetString(item, "id", "item_id", "itemId")
	itemType := shared.NormalizeTypeName(shared.GetString(item, "type", "item_type", "itemType"))

	switch itemType {
	case "agentmessage":
		if phase == "completed" {
			m.send(events.Event{
				Type:    events.TypeAgentMessage,
				Message: itemText(item),
			})
		}
	case "reasoning":
		m.handleReasoningItem(phase, itemID, item)
	case "commandexecution":
		m.handleCommandItem(phase, itemID, item)
	case "filechange":
		m.handlePatchItem(phase, itemID, item)
	case "mcptoolcall":
		m.handleMCPToolCallItem(phase, itemID, item)
	case "websearch":
		m.handleWebSearchItem(phase, itemID, item)
	case "todolist":
		if phase == "updated" || phase == "completed" {
			items := shared.DecodeTodoItems(shared.GetSlice(item, "items", "todos"))
			m.send(events.Event{Type: events.TypeTodoList, Items: items, Entries: items})
		}
	case "error":
		if phase == "completed" {
			m.send(events.Event{Type: events.TypeError, Message: shared.GetString(item, "message")})
		}
	default:
		m.drop.Dropped("item." + phase, zap.String("item_type", itemType))
	}
}

// handleReasoningItem streams reasoning text. A second reasoning item within
// the same turn emits a section break before its first delta; updates emit a
// delta only when the new text strictly extends the buffered prefix.
func (m *Mapper) handleReasoningItem(phase, itemID string, item map[string]any) {
	switch phase {
	case "started":
		m.mu.Lock()
		alreadySeen := len(m.seenReasoning) > 0
		m.seenReasoning[itemID] = true
		m.mu.Unlock()
		if alreadySeen {
			m.send(events.Event{Type: events.TypeAgentReasoningSectionBreak})
		}
	case "updated":
		text := itemText(item)
		m.mu.Lock()
		m.seenReasoning[itemID] = true
		prev := m.reasoningBuf[itemID]
		var delta string
		if len(text) > len(prev) && strings.HasPrefix(text, prev) {
			delta = text[len(prev):]
			m.reasoningBuf[itemID] = text
		}
		m.mu.Unlock()
		if delta != "" {
			m.send(events.Event{Type: events.TypeAgentReasoningDelta, Delta: delta})
		}
	case "completed":
		text := itemText(item)
		m.mu.Lock()
		if text == "" {
			text = m.reasoningBuf[itemID]
		}
		delete(m.reasoningBuf, itemID)
		m.mu.Unlock()
		m.send(events.Event{Type: events.TypeAgentReasoning, Text: text})
	}
}

func (m *Mapper) handleCommandItem(phase, itemID string, item map[string]any) {
	switch phase {
	case "started":
		meta := commandMeta{
			command: shared.GetString(item, "command"),
			cwd:     shared.GetString(item, "cwd"),
		}
		m.mu.Lock()
		m.commandMeta[itemID] = meta
		m.mu.Unlock()
		m.send(events.Event{
			Type:    events.TypeExecCommandBegin,
			CallID:  itemID,
			Command: meta.command,
			Cwd:     meta.cwd,
		})
	case "updated":
		if out := shared.GetString(item, "output", "delta"); out != "" {
			m.mu.Lock()
			buf := m.commandBuf[itemID]
			if buf == nil {
				buf = &strings.Builder{}
				m.commandBuf[itemID] = buf
			}
			buf.WriteString(out)
			m.mu.Unlock()
		}
	case "completed":
		m.mu.Lock()
		meta := m.commandMeta[itemID]
		delete(m.commandMeta, itemID)
		var buffered string
		if buf := m.commandBuf[itemID]; buf != nil {
			buffered = buf.String()
			delete(m.commandBuf, itemID)
		}
		m.mu.Unlock()

		output := shared.GetString(item, "output", "aggregated_output", "aggregatedOutput")
		if output == "" {
			output = buffered
		}
		ev := events.Event{
			Type:    events.TypeExecCommandEnd,
			CallID:  itemID,
			Command: meta.command,
			Cwd:     meta.cwd,
			Output:  output,
			Stderr:  shared.GetString(item, "stderr"),
			Status:  shared.GetString(item, "status"),
			Message: errorMessage(item),
		}
		if code, ok := shared.GetInt(item, "exit_code", "exitCode"); ok {
			ev.ExitCode = &code
		}
		m.send(ev)
	}
}

func (m *Mapper) handlePatchItem(phase, itemID string, item map[string]any) {
	switch phase {
	case "started":
		m.send(events.Event{
			Type:    events.TypePatchApplyBegin,
			CallID:  itemID,
			Changes: shared.DecodeChanges(item["changes"]),
		})
	case "completed":
		m.send(events.Event{
			Type:    events.TypePatchApplyEnd,
			CallID:  itemID,
			Changes: shared.DecodeChanges(item["changes"]),
			Stdout:  shared.GetString(item, "stdout"),
			Stderr:  shared.GetString(item, "stderr"),
			Success: shared.GetBool(item, "success") || shared.GetString(item, "status") == "completed",
		})
	}
}

// handleMCPToolCallItem maps MCP tool calls onto command events with a
// synthesized label carried from start to completion.
func (m *Mapper) handleMCPToolCallItem(phase, itemID string, item map[string]any) {
	switch phase {
	case "started":
		label := labelForMCPToolCall(item)
		m.mu.Lock()
		m.commandLabel[itemID] = label
		m.mu.Unlock()
		m.send(events.Event{
			Type:    events.TypeExecCommandBegin,
			CallID:  itemID,
			Command: label,
		})
	case "completed":
		m.mu.Lock()
		label := m.commandLabel[itemID]
		delete(m.commandLabel, itemID)
		m.mu.Unlock()
		if label == "" {
			label = labelForMCPToolCall(item)
		}

		var output string
		if result := shared.GetMap(item, "result"); result != nil {
			content := result["structured_content"]
			if content == nil {
				content = result["structuredContent"]
			}
			if content == nil {
				content = result["content"]
			}
			output = shared.ToText(content)
		}
		m.send(events.Event{
			Type:    events.TypeExecCommandEnd,
			CallID:  itemID,
			Command: label,
			Output:  output,
			Status:  shared.GetString(item, "status"),
			Message: errorMessage(item),
		})
	}
}

// handleWebSearchItem maps web searches onto command events.
func (m *Mapper) handleWebSearchItem(phase, itemID string, item map[string]any) {
	query := shared.GetString(item, "query")
	switch phase {
	case "started":
		label := "web_search"
		if query != "" {
			label = "web_search " + query
		}
		m.mu.Lock()
		m.commandLabel[itemID] = label
		m.mu.Unlock()
		m.send(events.Event{
			Type:    events.TypeExecCommandBegin,
			CallID:  itemID,
			Command: label,
		})
	case "completed":
		m.mu.Lock()
		label := m.commandLabel[itemID]
		delete(m.commandLabel, itemID)
		m.mu.Unlock()
		if label == "" {
			label = "web_search"
			if query != "" {
				label = "web_search " + query
			}
		}
		output := "Web search completed"
		if query != "" {
			output = "Searched web: " + query
		}
		m.send(events.Event{
			Type:    events.TypeExecCommandEnd,
			CallID:  itemID,
			Command: label,
			Output:  output,
			Status:  "completed",
		})
	}
}

// itemText extracts display text from an item that may carry text, message,
// or structured content parts.
func itemText(item map[string]any) string {
	if text := shared.GetString(item, "text", "message"); text != "" {
		return text
	}
	return shared.ToText(item["content"])
}
