package prompt

import "github.com/spherical/markdown-ocr/internal/domain"

// Window holds the most recent converted pages, oldest first. Once full, each
// push evicts the oldest entry.
type Window struct {
	max     int
	entries []domain.Excerpt
}

// NewWindow creates a window that keeps at most max excerpts. A window of
// size zero keeps nothing.
func NewWindow(max int) *Window {
	if max < 0 {
		max = 0
	}
	return &Window{max: max}
}

// Push appends an excerpt, evicting the oldest when the window is full.
func (w *Window) Push(e domain.Excerpt) {
	if w.max == 0 {
		return
	}
	if len(w.entries) == w.max {
		copy(w.entries, w.entries[1:])
		w.entries = w.entries[:w.max-1]
	}
	w.entries = append(w.entries, e)
}

// Entries returns a copy of the window contents, oldest first.
func (w *Window) Entries() []domain.Excerpt {
	out := make([]domain.Excerpt, len(w.entries))
	copy(out, w.entries)
	return out
}
