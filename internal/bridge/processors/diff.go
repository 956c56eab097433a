package processors

import "sync"

// Diff accumulates turn_diff events until flushed at turn end. The backend
// sends cumulative unified diffs, so only the latest is retained.
type Diff struct {
	mu      sync.Mutex
	current string
}

// NewDiff creates a diff processor.
func NewDiff() *Diff {
	return &Diff{}
}

// Update replaces the accumulated diff.
func (d *Diff) Update(unifiedDiff string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = unifiedDiff
}

// Flush returns the accumulated diff and clears it.
func (d *Diff) Flush() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	diff := d.current
	d.current = ""
	return diff, diff != ""
}

// Reset drops the accumulated diff.
func (d *Diff) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = ""
}
