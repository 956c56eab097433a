// Package events defines the canonical event stream emitted by every
// transport adapter. The canonical set is the only contract between the
// adapters and the launcher: adapters map unrecognized upstream events into
// this set or drop them.
package events

// Type identifies a canonical event kind.
type Type string

// Canonical event kinds.
const (
	TypeThreadStarted              Type = "thread_started"
	TypeTaskStarted                Type = "task_started"
	TypeTaskComplete               Type = "task_complete"
	TypeTaskFailed                 Type = "task_failed"
	TypeTurnAborted                Type = "turn_aborted"
	TypeStreamError                Type = "stream_error"
	TypeError                      Type = "error"
	TypeAgentMessage               Type = "agent_message"
	TypeAgentReasoning             Type = "agent_reasoning"
	TypeAgentReasoningDelta        Type = "agent_reasoning_delta"
	TypeAgentReasoningSectionBreak Type = "agent_reasoning_section_break"
	TypeExecCommandBegin           Type = "exec_command_begin"
	TypeExecCommandEnd             Type = "exec_command_end"
	TypeExecApprovalRequest        Type = "exec_approval_request"
	TypePatchApplyBegin            Type = "patch_apply_begin"
	TypePatchApplyEnd              Type = "patch_apply_end"
	TypeTodoList                   Type = "todo_list"
	TypeTurnDiff                   Type = "turn_diff"
	TypeTokenCount                 Type = "token_count"
)

// Terminal reports whether the event type concludes a turn.
func (t Type) Terminal() bool {
	switch t {
	case TypeTaskComplete, TypeTaskFailed, TypeTurnAborted:
		return true
	}
	return false
}

// Known reports whether t is a member of the canonical set.
func Known(t Type) bool {
	switch t {
	case TypeThreadStarted, TypeTaskStarted, TypeTaskComplete, TypeTaskFailed,
		TypeTurnAborted, TypeStreamError, TypeError, TypeAgentMessage,
		TypeAgentReasoning, TypeAgentReasoningDelta, TypeAgentReasoningSectionBreak,
		TypeExecCommandBegin, TypeExecCommandEnd, TypeExecApprovalRequest,
		TypePatchApplyBegin, TypePatchApplyEnd, TypeTodoList, TypeTurnDiff,
		TypeTokenCount:
		return true
	}
	return false
}

// FileChange describes one changed path within a patch event.
type FileChange struct {
	Kind string `json:"kind,omitempty"` // add, modify, delete
	Diff string `json:"diff,omitempty"`
}

// TodoItem is a single entry of a todo_list event.
type TodoItem struct {
	Content  string `json:"content"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// Event is the canonical event shape. Fields are populated per Type; unused
// fields stay zero and are omitted from JSON.
type Event struct {
	Type     Type   `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	TurnID   string `json:"turn_id,omitempty"`

	// agent_message; also the message of error/stream_error/task_failed and
	// the optional prompt text of exec_approval_request.
	Message string `json:"message,omitempty"`

	// agent_reasoning / agent_reasoning_delta
	Text  string `json:"text,omitempty"`
	Delta string `json:"delta,omitempty"`

	// exec_command_* and exec_approval_request
	CallID       string `json:"call_id,omitempty"`
	Command      string `json:"command,omitempty"`
	Cwd          string `json:"cwd,omitempty"`
	Tool         string `json:"tool,omitempty"`
	AutoApproved bool   `json:"auto_approved,omitempty"`
	Output       string `json:"output,omitempty"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	Status       string `json:"status,omitempty"`

	// patch_apply_*
	Changes map[string]FileChange `json:"changes,omitempty"`
	Success bool                  `json:"success,omitempty"`

	// todo_list; Entries mirrors Items for downstream plan compatibility.
	Items   []TodoItem `json:"items,omitempty"`
	Entries []TodoItem `json:"entries,omitempty"`

	// turn_diff
	UnifiedDiff string `json:"unified_diff,omitempty"`

	// token_count
	Info map[string]any `json:"info,omitempty"`

	// error / stream_error
	AdditionalDetails map[string]any `json:"additional_details,omitempty"`
}

// Emitter receives canonical events from an adapter.
type Emitter func(Event)
