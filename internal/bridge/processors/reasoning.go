// Package processors contains the stateful stream processors sitting between
// the canonical event stream and the hub: reasoning section batching and
// turn diff accumulation.
package processors

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// reasoningToolName is the synthetic tool name under which reasoning
// sections surface in the hub transcript.
const reasoningToolName = "CodexReasoning"

// Sender forwards synthetic tool-call messages to the hub.
type Sender interface {
	SendCodexMessage(msg map[string]any)
}

// Reasoning batches reasoning deltas into sections and emits synthetic
// tool-call / tool-call-result pairs on section breaks and completion.
type Reasoning struct {
	sender Sender

	mu        sync.Mutex
	sectionID string
	buf       strings.Builder
}

// NewReasoning creates a reasoning processor emitting through sender.
func NewReasoning(sender Sender) *Reasoning {
	return &Reasoning{sender: sender}
}

// ProcessDelta appends delta to the current section, opening one if needed.
func (r *Reasoning) ProcessDelta(delta string) {
	if delta == "" {
		return
	}
	r.mu.Lock()
	opened := r.sectionID == ""
	if opened {
		r.sectionID = uuid.NewString()
	}
	id := r.sectionID
	r.buf.WriteString(delta)
	r.mu.Unlock()

	if opened {
		r.sender.SendCodexMessage(map[string]any{
			"id":   id,
			"type": "tool-call",
			"name": reasoningToolName,
		})
	}
}

// HandleSectionBreak closes the current section, if any.
func (r *Reasoning) HandleSectionBreak() {
	r.flush("completed")
}

// Complete closes the final section. When the backend supplies the full
// text and the pending buffer is empty the full text forms its own section.
func (r *Reasoning) Complete(fullText string) {
	r.mu.Lock()
	empty := r.sectionID == ""
	r.mu.Unlock()
	if empty && fullText != "" {
		r.ProcessDelta(fullText)
	}
	r.flush("completed")
}

// Abort flushes any pending section with status canceled.
func (r *Reasoning) Abort() {
	r.flush("canceled")
}

// Reset drops pending state without emitting.
func (r *Reasoning) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sectionID = ""
	r.buf.Reset()
}

func (r *Reasoning) flush(status string) {
	r.mu.Lock()
	id := r.sectionID
	text := r.buf.String()
	r.sectionID = ""
	r.buf.Reset()
	r.mu.Unlock()

	if id == "" {
		return
	}
	r.sender.SendCodexMessage(map[string]any{
		"id":   id,
		"type": "tool-call-result",
		"result": map[string]any{
			"text":   text,
			"status": status,
		},
	})
}
