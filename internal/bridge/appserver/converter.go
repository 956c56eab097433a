// Package appserver converts Codex app-server JSON-RPC notifications into
// the canonical event stream. It owns the per-item accumulators for agent
// message, reasoning, and command output streaming, and unwraps legacy
// codex/event notifications onto the same mappings.
package appserver

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/hapihub/codex-bridge/internal/bridge/events"
	"github.com/hapihub/codex-bridge/internal/bridge/shared"
	"github.com/hapihub/codex-bridge/internal/common/logger"
	"github.com/hapihub/codex-bridge/pkg/codex"
	"go.uber.org/zap"
)

// Converter translates app-server notifications to canonical events.
// Not safe for concurrent HandleNotification calls from multiple readers;
// the JSON-RPC client delivers notifications sequentially.
type Converter struct {
	log  *logger.Logger
	drop *events.DropLogger
	emit events.Emitter

	mu       sync.Mutex
	threadID string
	turnID   string

	messageBuf    map[string]*strings.Builder
	reasoningBuf  map[string]*strings.Builder
	seenReasoning map[string]bool
	commandBuf    map[string]*strings.Builder
	commandMeta   map[string]commandMeta
	patchMeta     map[string]patchMeta
}

type commandMeta struct {
	command      string
	cwd          string
	autoApproved bool
}

type patchMeta struct {
	changes      map[string]events.FileChange
	autoApproved bool
}

// NewConverter creates a converter emitting canonical events through emit.
func NewConverter(emit events.Emitter, log *logger.Logger) *Converter {
	c := &Converter{
		log:  log.WithFields(zap.String("component", "appserver-converter")),
		emit: emit,
	}
	c.drop = events.NewDropLogger(c.log)
	c.resetLocked()
	return c
}

// Reset discards all per-turn accumulators. The transports call it when they
// forget their thread; turn/started clears the same state on its own.
func (c *Converter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Converter) resetLocked() {
	c.messageBuf = make(map[string]*strings.Builder)
	c.reasoningBuf = make(map[string]*strings.Builder)
	c.seenReasoning = make(map[string]bool)
	c.commandBuf = make(map[string]*strings.Builder)
	c.commandMeta = make(map[string]commandMeta)
	c.patchMeta = make(map[string]patchMeta)
}

// HandleNotification processes a single app-server notification.
func (c *Converter) HandleNotification(method string, raw json.RawMessage) {
	var params map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			c.drop.Dropped(method, zap.Error(err))
			return
		}
	}
	if params == nil {
		params = map[string]any{}
	}
	c.handle(method, params)
}

// HandleNotificationMap processes a notification whose params are already
// decoded. Used by the MCP transport, whose client surfaces structured
// notifications.
func (c *Converter) HandleNotificationMap(method string, params map[string]any) {
	if params == nil {
		params = map[string]any{}
	}
	c.handle(method, params)
}

func (c *Converter) handle(method string, params map[string]any) {
	switch method {
	case codex.NotifyThreadStarted, codex.NotifyThreadResumed:
		c.handleThreadStarted(params)
	case codex.NotifyTurnStarted:
		c.handleTurnStarted(params)
	case codex.NotifyTurnCompleted:
		c.handleTurnCompleted(params)
	case codex.NotifyThreadStatusChanged:
		c.handleThreadStatusChanged(params)
	case codex.NotifyTurnDiffUpdated:
		c.handleTurnDiffUpdated(params)
	case codex.NotifyThreadTokenUsageUpdated:
		c.handleTokenUsageUpdated(params)
	case codex.NotifyError, codex.NotifyStreamError:
		c.handleErrorNotification(method, params)
	case codex.NotifyItemAgentMessageDelta:
		c.handleAgentMessageDelta(params)
	case codex.NotifyItemReasoningTextDelta:
		c.handleReasoningDelta(params)
	case codex.NotifyItemReasoningSummaryPart:
		c.send(events.Event{Type: events.TypeAgentReasoningSectionBreak})
	case codex.NotifyItemCmdExecOutputDelta:
		c.handleCmdExecOutputDelta(params)
	case codex.NotifyItemStarted:
		c.handleItemStarted(params)
	case codex.NotifyItemCompleted:
		c.handleItemCompleted(params)
	default:
		if method == codex.NotifyCodexEvent || strings.HasPrefix(method, codex.NotifyCodexEvent+"/") {
			suffix := strings.TrimPrefix(strings.TrimPrefix(method, codex.NotifyCodexEvent), "/")
			c.handleCodexEvent(suffix, params)
			return
		}
		c.drop.Dropped(method)
	}
}

// send fills in the current thread/turn ids where the event leaves them
// empty, then emits.
func (c *Converter) send(ev events.Event) {
	c.mu.Lock()
	if ev.ThreadID == "" {
		ev.ThreadID = c.threadID
	}
	if ev.TurnID == "" {
		ev.TurnID = c.turnID
	}
	c.mu.Unlock()
	c.emit(ev)
}

func (c *Converter) handleThreadStarted(params map[string]any) {
	threadID := shared.GetString(params, "thread_id", "threadId")
	if threadID == "" {
		if thread := shared.GetMap(params, "thread"); thread != nil {
			threadID = shared.GetString(thread, "id")
		}
	}
	if threadID != "" {
		c.mu.Lock()
		c.threadID = threadID
		c.mu.Unlock()
	}
	c.send(events.Event{Type: events.TypeThreadStarted, ThreadID: threadID})
}

func (c *Converter) handleTurnStarted(params map[string]any) {
	turnID := shared.GetString(params, "turn_id", "turnId")
	if turnID == "" {
		if turn := shared.GetMap(params, "turn"); turn != nil {
			turnID = shared.GetString(turn, "id")
		}
	}
	c.mu.Lock()
	c.turnID = turnID
	c.resetLocked()
	c.mu.Unlock()
	c.send(events.Event{Type: events.TypeTaskStarted, TurnID: turnID})
}

// translateTurnStatus maps a turn/completed status string to its terminal
// canonical type. Unknown statuses are treated as completion.
func translateTurnStatus(status string) events.Type {
	switch strings.ToLower(status) {
	case "interrupted", "cancelled", "canceled", "aborted":
		return events.TypeTurnAborted
	case "failed", "error":
		return events.TypeTaskFailed
	case "completed", "complete", "done":
		return events.TypeTaskComplete
	default:
		return events.TypeTaskComplete
	}
}

// knownTurnStatus reports whether status is one of the recognized terminal
// spellings. thread/status/changed uses this to ignore non-terminal states.
func knownTurnStatus(status string) bool {
	switch strings.ToLower(status) {
	case "interrupted", "cancelled", "canceled", "aborted",
		"failed", "error", "completed", "complete", "done":
		return true
	}
	return false
}

func (c *Converter) handleTurnCompleted(params map[string]any) {
	turn := shared.GetMap(params, "turn")
	status := shared.GetString(params, "status")
	turnID := shared.GetString(params, "turn_id", "turnId")
	errMsg := shared.GetString(params, "error")
	if turn != nil {
		if status == "" {
			status = shared.GetString(turn, "status")
		}
		if turnID == "" {
			turnID = shared.GetString(turn, "id")
		}
		if errMsg == "" {
			errMsg = errorMessage(turn["error"])
		}
	}
	if errMsg == "" {
		errMsg = errorMessage(params["error"])
	}

	ev := events.Event{Type: translateTurnStatus(status), TurnID: turnID}
	if ev.Type == events.TypeTaskFailed {
		ev.Message = errMsg
	}
	c.send(ev)
}

func (c *Converter) handleThreadStatusChanged(params map[string]any) {
	status := shared.GetMap(params, "status")
	if status == nil {
		c.drop.Dropped(codex.NotifyThreadStatusChanged)
		return
	}
	statusType := shared.GetString(status, "type")
	if statusType == "systemError" {
		c.send(events.Event{
			Type:              events.TypeError,
			Message:           shared.GetString(status, "message"),
			ThreadID:          shared.GetString(params, "thread_id", "threadId"),
			TurnID:            shared.GetString(params, "turn_id", "turnId"),
			AdditionalDetails: shared.GetMap(status, "additional_details", "additionalDetails"),
		})
		return
	}
	if knownTurnStatus(statusType) {
		c.handleTurnCompleted(map[string]any{
			"status":  statusType,
			"turn_id": shared.GetString(params, "turn_id", "turnId"),
		})
		return
	}
	c.drop.Dropped(codex.NotifyThreadStatusChanged, zap.String("status", statusType))
}

func (c *Converter) handleTurnDiffUpdated(params map[string]any) {
	c.send(events.Event{
		Type:        events.TypeTurnDiff,
		TurnID:      shared.GetString(params, "turn_id", "turnId"),
		UnifiedDiff: shared.GetString(params, "unified_diff", "unifiedDiff", "diff"),
	})
}

func (c *Converter) handleTokenUsageUpdated(params map[string]any) {
	info := shared.GetMap(params, "info", "token_usage", "tokenUsage")
	if info == nil {
		info = params
	}
	c.send(events.Event{
		Type:   events.TypeTokenCount,
		TurnID: shared.GetString(params, "turn_id", "turnId"),
		Info:   info,
	})
}

// handleErrorNotification emits error or stream_error events, suppressing
// retryable upstream errors entirely.
func (c *Converter) handleErrorNotification(method string, params map[string]any) {
	if shared.Truthy(params, "will_retry", "willRetry") {
		c.log.Debug("suppressing retryable transport error",
			zap.String("message", shared.GetString(params, "message")))
		return
	}
	evType := events.TypeError
	if method == codex.NotifyStreamError {
		evType = events.TypeStreamError
	}
	msg := shared.GetString(params, "message")
	if msg == "" {
		msg = errorMessage(params["error"])
	}
	c.send(events.Event{
		Type:              evType,
		Message:           msg,
		AdditionalDetails: shared.GetMap(params, "additional_details", "additionalDetails"),
	})
}

func (c *Converter) handleAgentMessageDelta(params map[string]any) {
	itemID := shared.GetString(params, "item_id", "itemId")
	delta := shared.GetString(params, "delta")
	c.mu.Lock()
	buf := c.messageBuf[itemID]
	if buf == nil {
		buf = &strings.Builder{}
		c.messageBuf[itemID] = buf
	}
	buf.WriteString(delta)
	c.mu.Unlock()
}

func (c *Converter) handleReasoningDelta(params map[string]any) {
	itemID := shared.GetString(params, "item_id", "itemId")
	delta := shared.GetString(params, "delta")

	c.mu.Lock()
	if !c.seenReasoning[itemID] {
		second := len(c.seenReasoning) > 0
		c.seenReasoning[itemID] = true
		if second {
			c.mu.Unlock()
			c.send(events.Event{Type: events.TypeAgentReasoningSectionBreak})
			c.mu.Lock()
		}
	}
	buf := c.reasoningBuf[itemID]
	if buf == nil {
		buf = &strings.Builder{}
		c.reasoningBuf[itemID] = buf
	}
	buf.WriteString(delta)
	c.mu.Unlock()

	c.send(events.Event{Type: events.TypeAgentReasoningDelta, Delta: delta})
}

func (c *Converter) handleCmdExecOutputDelta(params map[string]any) {
	itemID := shared.GetString(params, "item_id", "itemId")
	delta := shared.GetString(params, "delta", "output", "chunk")
	c.mu.Lock()
	buf := c.commandBuf[itemID]
	if buf == nil {
		buf = &strings.Builder{}
		c.commandBuf[itemID] = buf
	}
	buf.WriteString(delta)
	c.mu.Unlock()
}

// errorMessage extracts a message from an error value that may be a plain
// string or an object with a message field.
func errorMessage(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		return shared.GetString(e, "message")
	}
	return ""
}
