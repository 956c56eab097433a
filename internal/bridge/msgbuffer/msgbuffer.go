// Package msgbuffer provides the bounded append-only log consumed by the
// passive renderer.
package msgbuffer

import "sync"

// Kind classifies a buffer entry.
type Kind string

// Entry kinds.
const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindSystem    Kind = "system"
	KindTool      Kind = "tool"
	KindResult    Kind = "result"
	KindStatus    Kind = "status"
)

// Entry is one rendered line.
type Entry struct {
	Text string
	Kind Kind
}

// Buffer retains the most recent maxEntries entries. Single writer;
// readers snapshot.
type Buffer struct {
	mu         sync.RWMutex
	entries    []Entry
	maxEntries int
}

// New creates a buffer retaining at most maxEntries entries.
func New(maxEntries int) *Buffer {
	return &Buffer{maxEntries: maxEntries}
}

// Append adds an entry, evicting the oldest when full.
func (b *Buffer) Append(kind Kind, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{Text: text, Kind: kind})
	if b.maxEntries > 0 && len(b.entries) > b.maxEntries {
		overflow := len(b.entries) - b.maxEntries
		b.entries = append(b.entries[:0:0], b.entries[overflow:]...)
	}
}

// Snapshot returns a copy of the current entries, oldest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
