// Package shared provides common utilities for transport adapters.
package shared

import (
	"encoding/json"
	"strings"
)

// GetString extracts a string value from a map, trying keys in order.
// Returns empty string if none is found or the value has the wrong type.
func GetString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok {
			return v
		}
	}
	return ""
}

// GetInt extracts an int value from a map, trying keys in order.
// Handles JSON numbers which are decoded as float64.
func GetInt(m map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return int(i), true
			}
		}
	}
	return 0, false
}

// GetBool extracts a bool value from a map, trying keys in order.
func GetBool(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if v, ok := m[key].(bool); ok {
			return v
		}
	}
	return false
}

// Truthy reports whether any of the keys holds a truthy value: true, a
// non-zero number, or a non-empty string other than "false" and "0".
func Truthy(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		switch v := m[key].(type) {
		case bool:
			if v {
				return true
			}
		case float64:
			if v != 0 {
				return true
			}
		case string:
			if v != "" && v != "false" && v != "0" {
				return true
			}
		}
	}
	return false
}

// GetMap extracts a nested map from a map, trying keys in order.
func GetMap(m map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if v, ok := m[key].(map[string]any); ok {
			return v
		}
	}
	return nil
}

// GetSlice extracts a slice from a map, trying keys in order.
func GetSlice(m map[string]any, keys ...string) []any {
	for _, key := range keys {
		if v, ok := m[key].([]any); ok {
			return v
		}
	}
	return nil
}

// ToText renders an arbitrary decoded JSON value as display text. Strings
// pass through; content-part slices concatenate their text fields; a map
// with a non-empty text field yields that text; anything else marshals back
// to JSON.
func ToText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		var sb strings.Builder
		for _, entry := range t {
			switch e := entry.(type) {
			case string:
				sb.WriteString(e)
			case map[string]any:
				sb.WriteString(GetString(e, "text"))
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	case map[string]any:
		if s := GetString(t, "text"); s != "" {
			return s
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// NormalizeTypeName lowercases a type string and strips everything but
// alphanumerics, so "agentMessage", "agent_message" and "AGENT-MESSAGE"
// compare equal.
func NormalizeTypeName(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// MaxPreviewLength is the maximum length of event previews mirrored into the
// message buffer.
const MaxPreviewLength = 200

// TruncateIfNeeded truncates a string if it exceeds maxLen.
func TruncateIfNeeded(s string, maxLen int) (string, bool) {
	if len(s) <= maxLen {
		return s, false
	}
	return s[:maxLen], true
}
