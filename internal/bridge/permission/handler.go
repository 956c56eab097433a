// Package permission correlates backend approval requests with hub
// decisions and injects the decisions back into the active transport.
package permission

import (
	"sync"

	"github.com/hapihub/codex-bridge/internal/common/logger"
	"go.uber.org/zap"
)

// Input carries the approval prompt details forwarded to the hub.
type Input struct {
	Command string `json:"command,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
	Message string `json:"message,omitempty"`
	Tool    string `json:"tool,omitempty"`
}

// Request is an outstanding approval request keyed by ID.
type Request struct {
	ID       string
	ToolName string
	Input    Input
}

// Decision is the hub's answer to a request.
type Decision struct {
	ID       string
	Decision string
	Reason   string
	Approved bool
}

// Sender forwards synthetic tool-call messages to the hub.
type Sender interface {
	SendCodexMessage(msg map[string]any)
}

// Responder injects a decision into the active transport.
type Responder func(id, decision, reason string)

// Handler tracks outstanding approval requests. Decisions arriving after a
// Reset are discarded.
type Handler struct {
	log    *logger.Logger
	sender Sender

	mu          sync.Mutex
	outstanding map[string]Request
	respond     Responder
}

// NewHandler creates a handler forwarding prompts through sender.
func NewHandler(sender Sender, log *logger.Logger) *Handler {
	return &Handler{
		log:         log.WithFields(zap.String("component", "permission-handler")),
		sender:      sender,
		outstanding: make(map[string]Request),
	}
}

// SetResponder installs the decision injector for the active transport.
func (h *Handler) SetResponder(respond Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.respond = respond
}

// OnRequest records the request and forwards it to the hub as a synthetic
// tool-call keyed by its id.
func (h *Handler) OnRequest(req Request) {
	h.mu.Lock()
	h.outstanding[req.ID] = req
	h.mu.Unlock()

	input := map[string]any{"tool": req.ToolName}
	if req.Input.Command != "" {
		input["command"] = req.Input.Command
	}
	if req.Input.Cwd != "" {
		input["cwd"] = req.Input.Cwd
	}
	if req.Input.Message != "" {
		input["message"] = req.Input.Message
	}
	if req.Input.Tool != "" {
		input["tool"] = req.Input.Tool
	}
	h.sender.SendCodexMessage(map[string]any{
		"id":    req.ID,
		"type":  "tool-call",
		"name":  req.ToolName,
		"input": input,
	})
}

// OnComplete resolves an outstanding request with the hub's decision,
// forwarding a synthetic tool-call-result and injecting the decision into
// the transport. Late decisions for unknown ids are dropped silently.
func (h *Handler) OnComplete(dec Decision) {
	h.mu.Lock()
	_, ok := h.outstanding[dec.ID]
	if ok {
		delete(h.outstanding, dec.ID)
	}
	respond := h.respond
	h.mu.Unlock()

	if !ok {
		h.log.Debug("dropping decision for unknown approval request", zap.String("id", dec.ID))
		return
	}

	h.sender.SendCodexMessage(map[string]any{
		"id":   dec.ID,
		"type": "tool-call-result",
		"result": map[string]any{
			"decision": dec.Decision,
			"reason":   dec.Reason,
			"approved": dec.Approved,
		},
	})

	if respond != nil {
		respond(dec.ID, dec.Decision, dec.Reason)
	}
}

// Outstanding returns the number of unresolved requests.
func (h *Handler) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outstanding)
}

// Reset drops all outstanding requests. Decisions arriving afterwards are
// discarded.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outstanding) > 0 {
		h.log.Debug("dropping outstanding approval requests", zap.Int("count", len(h.outstanding)))
	}
	h.outstanding = make(map[string]Request)
}
