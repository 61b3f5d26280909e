package transfer

import "fmt"

// DefaultWarningsLimit is the number of warnings kept for display when none is configured.
const DefaultWarningsLimit = 50

// Warnings accumulates soft failures. Nothing is dropped; only the display is capped.
type Warnings struct {
	items []string
}

// Add records a warning.
func (w *Warnings) Add(format string, args ...any) {
	w.items = append(w.items, fmt.Sprintf(format, args...))
}

// Len returns the total number of warnings recorded.
func (w *Warnings) Len() int { return len(w.items) }

// All returns every warning.
func (w *Warnings) All() []string { return append([]string(nil), w.items...) }

// Capped returns the first limit warnings followed by a summary line for the rest.
func (w *Warnings) Capped(limit int) []string {
	if limit <= 0 {
		limit = DefaultWarningsLimit
	}
	if len(w.items) <= limit {
		return w.All()
	}
	out := append([]string(nil), w.items[:limit]...)
	return append(out, fmt.Sprintf("... and %d more", len(w.items)-limit))
}
