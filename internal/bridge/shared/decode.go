package shared

import "github.com/hapihub/codex-bridge/internal/bridge/events"

// DecodeChanges accepts either the list form [{path, kind, diff}] or the map
// form {path: {kind, diff}} and returns the canonical map keyed by path.
func DecodeChanges(v any) map[string]events.FileChange {
	out := make(map[string]events.FileChange)
	switch changes := v.(type) {
	case []any:
		for _, raw := range changes {
			change, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			path := GetString(change, "path")
			if path == "" {
				continue
			}
			out[path] = fileChangeFromMap(change)
		}
	case map[string]any:
		for path, raw := range changes {
			change, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			out[path] = fileChangeFromMap(change)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// fileChangeFromMap reads a single change object; kind may be a plain string
// or a {type} object.
func fileChangeFromMap(change map[string]any) events.FileChange {
	kind := GetString(change, "kind")
	if kind == "" {
		if kindObj := GetMap(change, "kind"); kindObj != nil {
			kind = GetString(kindObj, "type")
		}
	}
	return events.FileChange{
		Kind: kind,
		Diff: GetString(change, "diff"),
	}
}

// DecodeTodoItems converts raw plan entries into canonical todo items.
func DecodeTodoItems(raw []any) []events.TodoItem {
	items := make([]events.TodoItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, events.TodoItem{
			Content:  GetString(m, "content", "description", "step", "text"),
			Status:   GetString(m, "status"),
			Priority: GetString(m, "priority"),
		})
	}
	return items
}
