// Package sdkmapper translates native Codex SDK events into the canonical
// event stream. The SDK dialect uses dotted event types (turn.started,
// item.completed) and does not always carry a turn id, so the mapper
// allocates one locally per turn.
package sdkmapper

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/shared"
	"github.com/hapihub/codex-bridge/internal/common/logger"
	"go.uber.org/zap"
)

// Mapper converts SDK events to canonical events. It holds the reasoning,
// command output, and tool-call label buffers for the current turn.
type Mapper struct {
	log  *logger.Logger
	drop *events.DropLogger
	emit events.Emitter

	mu            sync.Mutex
	turnID        string
	seenReasoning map[string]bool
	reasoningBuf  map[string]string
	commandBuf    map[string]*strings.Builder
	commandLabel  map[string]string
	commandMeta   map[string]commandMeta
}

type commandMeta struct {
	command string
	cwd     string
}

// NewMapper creates a mapper emitting canonical events through emit.
func NewMapper(emit events.Emitter, log *logger.Logger) *Mapper {
	m := &Mapper{
		log:  log.WithFields(zap.String("component", "sdk-mapper")),
		emit: emit,
	}
	m.drop = events.NewDropLogger(m.log)
	m.resetLocked()
	return m
}

// Reset discards all per-turn buffers.
func (m *Mapper) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Mapper) resetLocked() {
	m.seenReasoning = make(map[string]bool)
	m.reasoningBuf = make(map[string]string)
	m.commandBuf = make(map[string]*strings.Builder)
	m.commandLabel = make(map[string]string)
	m.commandMeta = make(map[string]commandMeta)
}

// TurnID returns the mapper's current turn id.
func (m *Mapper) TurnID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnID
}

// HandleEvent processes one SDK event. The event's type is read from its
// "type" field.
func (m *Mapper) HandleEvent(ev map[string]any) {
	evType := shared.GetString(ev, "type")
	switch evType {
	case "thread.started":
		m.send(events.Event{
			Type:     events.TypeThreadStarted,
			ThreadID: shared.GetString(ev, "thread_id", "threadId"),
		})
	case "turn.started":
		m.handleTurnStarted(ev)
	case "turn.completed":
		m.handleTurnCompleted(ev)
	case "turn.aborted", "turn.interrupted", "turn.cancelled", "turn.canceled":
		m.send(events.Event{Type: events.TypeTurnAborted})
	case "turn.failed", "turn.error":
		m.send(events.Event{
			Type:    events.TypeTaskFailed,
			Message: errorMessage(ev),
		})
	case "stream.error", "stream_error":
		if shared.Truthy(ev, "will_retry", "willRetry", "retryable") {
			return
		}
		m.send(events.Event{
			Type:              events.TypeStreamError,
			Message:           errorMessage(ev),
			AdditionalDetails: shared.GetMap(ev, "additional_details", "additionalDetails"),
		})
	case "error":
		m.send(events.Event{
			Type:              events.TypeError,
			Message:           errorMessage(ev),
			AdditionalDetails: shared.GetMap(ev, "additional_details", "additionalDetails"),
		})
	case "exec_approval_request", "exec.approval_request", "approval.requested":
		m.handleApprovalRequest(ev)
	case "item.started", "item.updated", "item.completed":
		m.handleItem(strings.TrimPrefix(evType, "item."), ev)
	default:
		m.drop.Dropped(evType)
	}
}

func (m *Mapper) send(ev events.Event) {
	m.mu.Lock()
	if ev.TurnID == "" {
		ev.TurnID = m.turnID
	}
	m.mu.Unlock()
	m.emit(ev)
}

func (m *Mapper) handleTurnStarted(ev map[string]any) {
	turnID := shared.GetString(ev, "turn_id", "turnId")
	if turnID == "" {
		turnID = uuid.NewString()
	}
	m.mu.Lock()
	m.turnID = turnID
	m.resetLocked()
	m.mu.Unlock()
	m.send(events.Event{Type: events.TypeTaskStarted, TurnID: turnID})
}

func (m *Mapper) handleTurnCompleted(ev map[string]any) {
	if usage := shared.GetMap(ev, "usage"); usage != nil {
		m.send(events.Event{Type: events.TypeTokenCount, Info: usage})
	}
	status := shared.GetString(ev, "status")
	var terminal events.Type
	switch strings.ToLower(status) {
	case "interrupted", "cancelled", "canceled", "aborted":
		terminal = events.TypeTurnAborted
	case "failed", "error":
		terminal = events.TypeTaskFailed
	default:
		terminal = events.TypeTaskComplete
	}
	out := events.Event{Type: terminal}
	if terminal == events.TypeTaskFailed {
		out.Message = errorMessage(ev)
	}
	m.send(out)
}

func (m *Mapper) handleApprovalRequest(ev map[string]any) {
	callID := shared.GetString(ev, "call_id", "callId", "id")
	if callID == "" {
		callID = uuid.NewString()
	}
	m.send(events.Event{
		Type:    events.TypeExecApprovalRequest,
		CallID:  callID,
		Command: shared.GetString(ev, "command"),
		Cwd:     shared.GetString(ev, "cwd"),
		Message: shared.GetString(ev, "message", "reason"),
		Tool:    shared.GetString(ev, "tool"),
	})
}

// errorMessage extracts a message from an event that carries either a plain
// error string or an error object.
func errorMessage(ev map[string]any) string {
	if msg := shared.GetString(ev, "message"); msg != "" {
		return msg
	}
	switch e := ev["error"].(type) {
	case string:
		return e
	case map[string]any:
		return shared.GetString(e, "message")
	}
	return ""
}

// labelForMCPToolCall synthesizes the command label carried from tool-call
// start to completion.
func labelForMCPToolCall(item map[string]any) string {
	return fmt.Sprintf("mcp:%s/%s",
		shared.GetString(item, "server"),
		shared.GetString(item, "tool"))
}
