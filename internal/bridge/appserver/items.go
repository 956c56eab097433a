package appserver

import (
	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/shared"
	"go.uber.org/zap"
)

// Item type discriminators used by the app-server protocol.
const (
	itemTypeAgentMessage     = "agentmessage"
	itemTypeReasoning        = "reasoning"
	itemTypeCommandExecution = "commandexecution"
	itemTypeFileChange       = "filechange"
)

func (c *Converter) handleItemStarted(params map[string]any) {
	item := shared.GetMap(params, "item")
	if item == nil {
		return
	}
	itemID := shared.GetString(item, "id")
	switch shared.NormalizeTypeName(shared.GetString(item, "type")) {
	case itemTypeCommandExecution:
		meta := commandMeta{
			command:      shared.GetString(item, "command"),
			cwd:          shared.GetString(item, "cwd"),
			autoApproved: shared.GetBool(item, "auto_approved", "autoApproved"),
		}
		c.mu.Lock()
		c.commandMeta[itemID] = meta
		c.mu.Unlock()
		c.send(events.Event{
			Type:         events.TypeExecCommandBegin,
			CallID:       itemID,
			Command:      meta.command,
			Cwd:          meta.cwd,
			AutoApproved: meta.autoApproved,
		})
	case itemTypeFileChange:
		meta := patchMeta{
			changes:      shared.DecodeChanges(item["changes"]),
			autoApproved: shared.GetBool(item, "auto_approved", "autoApproved"),
		}
		c.mu.Lock()
		c.patchMeta[itemID] = meta
		c.mu.Unlock()
		c.send(events.Event{
			Type:         events.TypePatchApplyBegin,
			CallID:       itemID,
			Changes:      meta.changes,
			AutoApproved: meta.autoApproved,
		})
	}
}

func (c *Converter) handleItemCompleted(params map[string]any) {
	item := shared.GetMap(params, "item")
	if item == nil {
		return
	}
	itemID := shared.GetString(item, "id")
	switch shared.NormalizeTypeName(shared.GetString(item, "type")) {
	case itemTypeAgentMessage:
		c.completeAgentMessage(itemID, item)
	case itemTypeReasoning:
		c.completeReasoning(itemID, item)
	case itemTypeCommandExecution:
		c.completeCommand(itemID, item)
	case itemTypeFileChange:
		c.completePatch(itemID, item)
	default:
		c.drop.Dropped("item/completed", zap.String("item_type", shared.GetString(item, "type")))
	}
}

func (c *Converter) completeAgentMessage(itemID string, item map[string]any) {
	message := shared.GetString(item, "text")
	if message == "" {
		message = shared.ToText(item["content"])
	}
	c.mu.Lock()
	if buf := c.messageBuf[itemID]; buf != nil {
		if message == "" {
			message = buf.String()
		}
		delete(c.messageBuf, itemID)
	}
	c.mu.Unlock()
	c.send(events.Event{Type: events.TypeAgentMessage, Message: message})
}

func (c *Converter) completeReasoning(itemID string, item map[string]any) {
	text := shared.GetString(item, "text")
	if text == "" {
		text = shared.ToText(item["content"])
	}
	if text == "" {
		text = shared.ToText(item["summary"])
	}
	c.mu.Lock()
	if buf := c.reasoningBuf[itemID]; buf != nil {
		if text == "" {
			text = buf.String()
		}
		delete(c.reasoningBuf, itemID)
	}
	c.mu.Unlock()
	if text == "" {
		return
	}
	c.send(events.Event{Type: events.TypeAgentReasoning, Text: text})
}

func (c *Converter) completeCommand(itemID string, item map[string]any) {
	c.mu.Lock()
	meta := c.commandMeta[itemID]
	delete(c.commandMeta, itemID)
	var buffered string
	if buf := c.commandBuf[itemID]; buf != nil {
		buffered = buf.String()
		delete(c.commandBuf, itemID)
	}
	c.mu.Unlock()

	output := shared.GetString(item, "output", "aggregated_output", "aggregatedOutput")
	if output == "" {
		output = buffered
	}

	ev := events.Event{
		Type:         events.TypeExecCommandEnd,
		CallID:       itemID,
		Command:      meta.command,
		Cwd:          meta.cwd,
		AutoApproved: meta.autoApproved,
		Output:       output,
		Stderr:       shared.GetString(item, "stderr"),
		Status:       shared.GetString(item, "status"),
		Message:      errorMessage(item["error"]),
	}
	if code, ok := shared.GetInt(item, "exit_code", "exitCode"); ok {
		ev.ExitCode = &code
	}
	c.send(ev)
}

func (c *Converter) completePatch(itemID string, item map[string]any) {
	c.mu.Lock()
	meta := c.patchMeta[itemID]
	delete(c.patchMeta, itemID)
	c.mu.Unlock()

	changes := meta.changes
	if len(changes) == 0 {
		changes = shared.DecodeChanges(item["changes"])
	}
	success := shared.GetBool(item, "success") ||
		shared.GetString(item, "status") == "completed"

	c.send(events.Event{
		Type:         events.TypePatchApplyEnd,
		CallID:       itemID,
		Changes:      changes,
		AutoApproved: meta.autoApproved,
		Stdout:       shared.GetString(item, "stdout"),
		Stderr:       shared.GetString(item, "stderr"),
		Success:      success,
	})
}
