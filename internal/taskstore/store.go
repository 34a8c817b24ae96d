// Package taskstore keeps per-paper task history, task errors and per-task
// progress for inspection after the work has finished. Entries expire after
// a retention window.
package taskstore

import (
	"context"
	"time"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// DefaultTTL is how long history, errors and progress are retained.
const DefaultTTL = 24 * time.Hour

// Key prefixes.
const (
	historyPrefix  = "task_history:"
	errorsPrefix   = "task_errors:"
	progressPrefix = "task_progress:"
)

// HistoryKey returns the key holding a paper's task history.
func HistoryKey(paperID string) string { return historyPrefix + paperID }

// ErrorsKey returns the key holding a paper's task errors.
func ErrorsKey(paperID string) string { return errorsPrefix + paperID }

// ProgressKey returns the key holding a task's progress.
func ProgressKey(taskID string) string { return progressPrefix + taskID }

// Progress is the last progress report of a task.
type Progress struct {
	TaskID    string    `json:"task_id"`
	PaperID   string    `json:"paper_id"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists task history, errors and progress.
type Store interface {
	// AppendHistory appends a status change of a task to the paper's history.
	AppendHistory(ctx context.Context, paperID string, entry domain.TaskHistoryEntry) error

	// History returns the paper's task history, oldest first.
	History(ctx context.Context, paperID string) ([]domain.TaskHistoryEntry, error)

	// AppendError appends a task failure to the paper's error list.
	AppendError(ctx context.Context, paperID string, entry domain.TaskErrorEntry) error

	// Errors returns the paper's task errors, oldest first.
	Errors(ctx context.Context, paperID string) ([]domain.TaskErrorEntry, error)

	// SetProgress stores the latest progress report of a task.
	SetProgress(ctx context.Context, p Progress) error

	// Progress returns the latest progress of a task. A task that never
	// reported yields a *domain.NotFoundError.
	Progress(ctx context.Context, taskID string) (*Progress, error)
}
