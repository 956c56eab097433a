package launcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hapihub/codex-bridge/internal/bridge/codexerr"
	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/msgbuffer"
	"github.com/hapihub/codex-bridge/internal/bridge/permission"
	"github.com/hapihub/codex-bridge/internal/bridge/shared"
	"go.uber.org/zap"
)

// demuxLoop consumes the transport's canonical event stream until it closes
// or the launcher shuts down.
func (l *Launcher) demuxLoop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-l.tr.Events():
			if !ok {
				return
			}
			l.HandleEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

// HandleEvent routes one canonical event: progress bookkeeping, hub
// forwarding, buffer mirroring, processor feeding, and terminal handling.
func (l *Launcher) HandleEvent(ev events.Event) {
	l.mu.Lock()
	if l.turnInFlight {
		l.lastProgress = time.Now()
	}
	switch ev.Type {
	case events.TypeThreadStarted:
		if ev.ThreadID != "" {
			l.currentThreadID = ev.ThreadID
		}
	case events.TypeTaskStarted:
		if ev.TurnID != "" {
			l.currentTurnID = ev.TurnID
		}
	}
	l.mu.Unlock()

	if ev.Type == events.TypeThreadStarted && ev.ThreadID != "" {
		l.sess.SetSessionID(ev.ThreadID)
	}

	l.hub.SendCodexMessage(codexEventMessage(ev))

	if text, kind, ok := preview(ev); ok {
		l.buf.Append(kind, text)
	}

	switch ev.Type {
	case events.TypeAgentReasoningDelta:
		l.reasoning.ProcessDelta(ev.Delta)
	case events.TypeAgentReasoningSectionBreak:
		l.reasoning.HandleSectionBreak()
	case events.TypeAgentReasoning:
		l.reasoning.Complete(ev.Text)
	case events.TypeTurnDiff:
		l.diff.Update(ev.UnifiedDiff)
	case events.TypeExecApprovalRequest:
		l.perm.OnRequest(permission.Request{
			ID:       ev.CallID,
			ToolName: approvalToolName(ev),
			Input: permission.Input{
				Command: ev.Command,
				Cwd:     ev.Cwd,
				Message: ev.Message,
				Tool:    ev.Tool,
			},
		})
	case events.TypeError, events.TypeStreamError:
		l.handleErrorEvent(ev)
	case events.TypeTaskComplete, events.TypeTaskFailed, events.TypeTurnAborted:
		if ev.Type == events.TypeTaskFailed && codexerr.IsSessionInvalid(ev.Message) {
			l.invalidateSession(ev.Message)
		}
		if ev.Type == events.TypeTurnAborted {
			l.reasoning.Abort()
		}
		l.finishTurnWith(ev)
	}
}

// handleErrorEvent treats non-retryable errors as terminal when a turn is in
// flight, and performs session invalidation detection either way.
func (l *Launcher) handleErrorEvent(ev events.Event) {
	if ev.Message != "" {
		l.hub.SendSessionEvent(map[string]any{"type": "message", "message": ev.Message})
	}
	if codexerr.IsSessionInvalid(ev.Message) {
		l.invalidateSession(ev.Message)
	}

	l.mu.Lock()
	inFlight := l.turnInFlight
	l.mu.Unlock()
	if inFlight {
		l.finishTurnWith(ev)
	}
}

// finishTurnWith concludes the in-flight turn: flush the diff, clear
// thinking, signal the main loop, and tell the hub we are ready. Reentrant
// terminal events are ignored.
func (l *Launcher) finishTurnWith(ev events.Event) {
	l.mu.Lock()
	if !l.turnInFlight {
		l.mu.Unlock()
		return
	}
	l.turnInFlight = false
	done := l.turnDone
	l.mu.Unlock()

	if diff, ok := l.diff.Flush(); ok {
		l.hub.SendCodexMessage(map[string]any{
			"type":         "turn-diff",
			"unified_diff": diff,
		})
	}

	l.setThinking(false)
	l.hub.SendSessionEvent(map[string]any{"type": "ready"})
	l.log.Debug("turn finished", zap.String("type", string(ev.Type)), zap.String("turn_id", ev.TurnID))

	if done != nil {
		select {
		case done <- struct{}{}:
		default:
		}
	}
}

// finishTurn synthesizes an abort terminal for turns whose backend stayed
// silent after an interrupt.
func (l *Launcher) finishTurn() {
	l.mu.Lock()
	turnID := l.currentTurnID
	l.mu.Unlock()
	l.HandleEvent(abortedEvent(turnID))
}

func abortedEvent(turnID string) events.Event {
	return events.Event{Type: events.TypeTurnAborted, TurnID: turnID}
}

// approvalToolName names the synthetic hub tool-call for an approval
// request.
func approvalToolName(ev events.Event) string {
	switch {
	case ev.Tool != "":
		return ev.Tool
	case ev.Command != "":
		return "commandExecution"
	default:
		return "toolInput"
	}
}

// codexEventMessage converts a canonical event into the opaque hub message
// shape.
func codexEventMessage(ev events.Event) map[string]any {
	data, err := json.Marshal(ev)
	if err != nil {
		return map[string]any{"type": "codex-event", "event": map[string]any{"type": string(ev.Type)}}
	}
	var payload map[string]any
	_ = json.Unmarshal(data, &payload)
	return map[string]any{"type": "codex-event", "event": payload}
}

// preview builds the short message-buffer mirror of an event.
func preview(ev events.Event) (string, msgbuffer.Kind, bool) {
	truncate := func(s string) string {
		out, _ := shared.TruncateIfNeeded(s, shared.MaxPreviewLength)
		return out
	}
	switch ev.Type {
	case events.TypeAgentMessage:
		return truncate(ev.Message), msgbuffer.KindAssistant, true
	case events.TypeExecCommandBegin:
		return truncate("$ " + ev.Command), msgbuffer.KindTool, true
	case events.TypeExecCommandEnd:
		if ev.Output == "" {
			return "", "", false
		}
		return truncate(ev.Output), msgbuffer.KindResult, true
	case events.TypePatchApplyBegin:
		return "applying patch", msgbuffer.KindTool, true
	case events.TypePatchApplyEnd:
		if ev.Success {
			return "patch applied", msgbuffer.KindResult, true
		}
		return "patch failed", msgbuffer.KindResult, true
	case events.TypeExecApprovalRequest:
		return truncate("approval requested: " + ev.Command), msgbuffer.KindStatus, true
	case events.TypeError, events.TypeStreamError:
		return truncate(ev.Message), msgbuffer.KindSystem, true
	case events.TypeTaskFailed:
		if ev.Message == "" {
			return "turn failed", msgbuffer.KindStatus, true
		}
		return truncate("turn failed: " + ev.Message), msgbuffer.KindStatus, true
	case events.TypeTurnAborted:
		return "turn aborted", msgbuffer.KindStatus, true
	}
	return "", "", false
}
