package domain

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a conversion task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// allowedTransitions lists every legal status edge. Self-edges are progress
// updates within the same state.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskPending, TaskProcessing, TaskFailed},
	TaskProcessing: {TaskProcessing, TaskCompleted, TaskFailed},
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Task represents one uploaded document and its observable conversion state
type Task struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	Status      TaskStatus `json:"status"`
	CurrentPage int        `json:"current_page"`
	TotalPages  int        `json:"total_pages"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewTask creates a pending task.
func NewTask(id, filename string) Task {
	now := time.Now().UTC()
	return Task{
		ID:        id,
		Filename:  filename,
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ValidateTransition checks that next is a legal successor of prev.
func ValidateTransition(prev, next Task) error {
	if next.ID != prev.ID || next.Filename != prev.Filename {
		return ValidationError("task identity is immutable", nil)
	}
	if !prev.Status.CanTransition(next.Status) {
		return ValidationError(fmt.Sprintf("illegal status transition %s -> %s", prev.Status, next.Status), nil)
	}
	if next.CurrentPage < prev.CurrentPage {
		return ValidationError(fmt.Sprintf("current_page cannot decrease (%d -> %d)", prev.CurrentPage, next.CurrentPage), nil)
	}
	if next.TotalPages < prev.TotalPages {
		return ValidationError(fmt.Sprintf("total_pages cannot decrease (%d -> %d)", prev.TotalPages, next.TotalPages), nil)
	}
	if next.TotalPages > 0 && next.CurrentPage > next.TotalPages {
		return ValidationError(fmt.Sprintf("current_page %d exceeds total_pages %d", next.CurrentPage, next.TotalPages), nil)
	}

	switch next.Status {
	case TaskCompleted:
		if next.Error != "" {
			return ValidationError("completed task cannot carry an error", nil)
		}
	case TaskFailed:
		if next.Error == "" {
			return ValidationError("failed task requires an error", nil)
		}
		if next.Output != "" {
			return ValidationError("failed task cannot carry output", nil)
		}
	default:
		if next.Output != "" || next.Error != "" {
			return ValidationError("output and error are only set on terminal tasks", nil)
		}
	}

	return nil
}

// PageMode selects how a page is presented to the model
type PageMode string

const (
	PageModeText   PageMode = "text"
	PageModeVision PageMode = "vision"
)

// PageImage is a rendered, encoded page
type PageImage struct {
	Data     []byte
	MIMEType string // image/png or image/jpeg
	Width    int
	Height   int
}

// PageUnit is one page of the source document ready for prompting
type PageUnit struct {
	Index int // 0-based
	Mode  PageMode
	Text  string     // extracted text; a hint in vision mode
	Image *PageImage // set in vision mode only
}

// Number returns the 1-based page number used in user-facing messages.
func (p PageUnit) Number() int {
	return p.Index + 1
}

// IsBlank reports whether a text page has nothing to convert.
func (p PageUnit) IsBlank() bool {
	if p.Mode == PageModeVision {
		return false
	}
	for _, r := range p.Text {
		switch r {
		case ' ', '\t', '\n', '\r', '\f', '\v':
		default:
			return false
		}
	}
	return true
}

// Excerpt is a converted page kept as context for later pages
type Excerpt struct {
	PageIndex int
	Markdown  string
}

// ModelRequest is the payload handed to a model backend for one page
type ModelRequest struct {
	Mode        PageMode
	PageIndex   int
	System      string
	ContextText string // rendered prior-output excerpts; empty on the first page
	Instruction string
	Text        string
	Image       *PageImage
	History     []Excerpt // window the context text was built from
}
