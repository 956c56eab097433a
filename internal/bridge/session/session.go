// Package session holds the bridge's singleton session state and the
// enhanced mode descriptor whose hash drives session restarts.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// PermissionMode controls approval policy and sandboxing for a turn.
type PermissionMode string

// Permission modes.
const (
	PermissionDefault  PermissionMode = "default"
	PermissionReadOnly PermissionMode = "read-only"
	PermissionSafeYolo PermissionMode = "safe-yolo"
	PermissionYolo     PermissionMode = "yolo"
)

// CliOverrides carries sandbox and approval overrides from the CLI. They are
// honoured only when the permission mode is default.
type CliOverrides struct {
	Sandbox        string `json:"sandbox,omitempty"`
	ApprovalPolicy string `json:"approval_policy,omitempty"`
}

// EnhancedMode describes the per-message execution configuration. Equal
// modes yield equal hashes; a hash change between turns forces a session
// restart on transports that cannot reconfigure in place.
type EnhancedMode struct {
	PermissionMode  PermissionMode `json:"permission_mode"`
	Model           string         `json:"model,omitempty"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
	CliOverrides    *CliOverrides  `json:"cli_overrides,omitempty"`
}

// Hash returns a stable digest of the mode: sha256 over the canonical JSON
// serialization.
func (m EnhancedMode) Hash() string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidReasoningEffort reports whether effort may be forwarded to a backend.
func ValidReasoningEffort(effort string) bool {
	switch effort {
	case "low", "medium", "high", "xhigh":
		return true
	}
	return false
}

// Session is the singleton per-process session. Mutated only by the
// launcher and inbound hub events.
type Session struct {
	mu sync.RWMutex

	sessionID string // opaque thread identifier once known
	path      string // working directory
	thinking  bool

	permissionMode  PermissionMode
	model           string
	reasoningEffort string
	cliOverrides    *CliOverrides
}

// New creates a session rooted at path.
func New(path string) *Session {
	return &Session{
		path:           path,
		permissionMode: PermissionDefault,
	}
}

// SessionID returns the backend thread id, empty until a thread starts.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// SetSessionID binds the backend thread id to the session.
func (s *Session) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

// Path returns the working directory.
func (s *Session) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// Thinking reports whether a turn is being processed.
func (s *Session) Thinking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thinking
}

// SetThinking updates the thinking flag.
func (s *Session) SetThinking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinking = v
}

// Mode returns the session's current enhanced mode.
func (s *Session) Mode() EnhancedMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return EnhancedMode{
		PermissionMode:  s.permissionMode,
		Model:           s.model,
		ReasoningEffort: s.reasoningEffort,
		CliOverrides:    s.cliOverrides,
	}
}

// SetMode replaces the session's mode fields.
func (s *Session) SetMode(mode EnhancedMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissionMode = mode.PermissionMode
	s.model = mode.Model
	s.reasoningEffort = mode.ReasoningEffort
	s.cliOverrides = mode.CliOverrides
}
