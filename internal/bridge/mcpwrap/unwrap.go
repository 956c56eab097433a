// Package mcpwrap strips the event_msg / response_item envelopes that the
// MCP transport wraps around Codex events, so the same canonicalization
// applies regardless of transport.
package mcpwrap

import (
	"strings"

	"github.com/hapihub/codex-bridge/internal/bridge/shared"
)

// codexEventPrefix is stripped from payload type names during normalization.
const codexEventPrefix = "codex/event/"

// IsEnvelope reports whether m is an event_msg or response_item wrapper with
// a payload object.
func IsEnvelope(m map[string]any) bool {
	switch shared.GetString(m, "type") {
	case "event_msg", "response_item":
		return shared.GetMap(m, "payload") != nil
	}
	return false
}

// Unwrap strips envelope layers from m and returns the innermost payload
// with its normalized type name. Unwrapping is idempotent: a payload that is
// not an envelope comes back unchanged with its own normalized type.
func Unwrap(m map[string]any) (name string, payload map[string]any) {
	payload = m
	for IsEnvelope(payload) {
		payload = shared.GetMap(payload, "payload")
	}
	name = NormalizeName(shared.GetString(payload, "type", "method"))
	return name, payload
}

// NormalizeName lowercases and snake-cases an event type name, stripping the
// codex/event/ prefix and re-mapping plan to todo_list.
func NormalizeName(name string) string {
	name = strings.TrimPrefix(name, codexEventPrefix)
	name = snakeCase(name)
	if name == "plan" {
		return "todo_list"
	}
	return name
}

// snakeCase converts camelCase and kebab-case type names to snake_case.
func snakeCase(s string) string {
	var sb strings.Builder
	for i, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r + ('a' - 'A'))
		case r == '-' || r == ' ':
			sb.WriteByte('_')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
