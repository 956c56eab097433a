// Package codexerr classifies failures surfaced by the Codex backend,
// whether they arrive as RPC errors, canonical error events, or structured
// lines on the CLI's stderr. The launcher keys session restarts off
// IsSessionInvalid; the app-server transport prefixes failed RPC errors with
// the message parsed from stderr.
package codexerr

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hapihub/codex-bridge/internal/bridge/shared"
)

// Class buckets a backend failure.
type Class string

// Failure classes.
const (
	ClassUnknown        Class = "unknown"
	ClassRateLimited    Class = "rate_limited"
	ClassAuth           Class = "auth"
	ClassSessionInvalid Class = "session_invalid"
	ClassServer         Class = "server"
)

// BackendError is a classified backend failure with a user-facing message.
type BackendError struct {
	Class   Class
	Message string

	// RetryAfter is how long until a usage limit resets, when known.
	RetryAfter time.Duration

	// Detail holds the decoded error payload for diagnostics.
	Detail map[string]any
}

func (e *BackendError) Error() string { return e.Message }

// sessionInvalidNeedles match backend errors that invalidate the bound
// session; the next message restarts it.
var sessionInvalidNeedles = []string{
	"no active session",
	"session not found",
	"conversation not found",
	"invalid session",
	"invalid conversation",
	"thread not found",
}

// IsSessionInvalid reports whether the error text invalidates the bound
// session.
func IsSessionInvalid(message string) bool {
	lower := strings.ToLower(message)
	for _, needle := range sessionInvalidNeedles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// Classify buckets an error by its text.
func Classify(message string) Class {
	lower := strings.ToLower(message)
	switch {
	case IsSessionInvalid(message):
		return ClassSessionInvalid
	case containsAny(lower, "429", "too many requests", "usage_limit", "usage limit", "rate limit"):
		return ClassRateLimited
	case containsAny(lower, "401", "unauthorized", "api key", "api_key", "not authenticated"):
		return ClassAuth
	case containsAny(lower, "500", "502", "503", "internal server error", "server_error"):
		return ClassServer
	default:
		return ClassUnknown
	}
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// FromStderr scans recent stderr lines, newest first, for the CLI's
// structured API error line and returns its classification. Nil when no
// line matches.
func FromStderr(lines []string) *BackendError {
	for i := len(lines) - 1; i >= 0; i-- {
		if be := fromLogLine(lines[i]); be != nil {
			return be
		}
	}
	return nil
}

// codex-cli writes API failures as
//
//	<ts> ERROR <module>: error=<status text>: Some("<escaped json>")
//
// fromLogLine takes the line apart with plain string cuts: everything after
// error= up to the Some marker is the status text, the quoted remainder is
// a doubly-escaped JSON document.
func fromLogLine(line string) *BackendError {
	_, rest, ok := strings.Cut(line, "error=")
	if !ok {
		return nil
	}
	status, quoted, ok := strings.Cut(rest, `: Some("`)
	if !ok {
		return nil
	}
	quoted, ok = strings.CutSuffix(strings.TrimSpace(quoted), `")`)
	if !ok {
		return nil
	}
	status = strings.TrimSpace(status)

	body := strings.ReplaceAll(quoted, `\"`, `"`)
	body = strings.ReplaceAll(body, `\\`, `\`)

	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return &BackendError{Class: Classify(status), Message: status}
	}

	// The standard shape nests the fields under "error"; the flat shape
	// carries them at the top level.
	fields := shared.GetMap(payload, "error")
	if fields == nil {
		fields = payload
	}

	be := &BackendError{Detail: payload}
	message := shared.GetString(fields, "message")
	errType := shared.GetString(fields, "type")
	if secs, ok := shared.GetInt(fields, "resets_in_seconds"); ok && secs > 0 {
		be.RetryAfter = time.Duration(secs) * time.Second
	}

	switch {
	case message != "":
		be.Message = message
	case errType != "":
		be.Message = "Error: " + errType
	default:
		be.Message = status
	}
	if be.RetryAfter > 0 {
		be.Message += " (resets in " + humanDuration(be.RetryAfter) + ")"
	}
	be.Class = Classify(strings.Join([]string{status, errType, message}, " "))
	return be
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%d hours", int(d.Hours()))
	case d >= time.Minute:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	default:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
}
