package domain

import (
	"time"
)

// TaskStatus is the pipeline-level status of a submitted unit of work.
type TaskStatus string

// Task statuses.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCanceled   TaskStatus = "canceled"
)

// IsTerminal returns true if the task will not change status again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCanceled
}

// TaskRecord tracks a unit of work from submission to completion.
type TaskRecord struct {
	TaskID      string                 `json:"task_id"`
	PaperID     string                 `json:"paper_id"`
	Name        string                 `json:"name"`
	Queue       string                 `json:"queue"`
	Status      TaskStatus             `json:"status"`
	Attempts    int                    `json:"attempts"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// TaskHistoryEntry is one element of the task_history:<paper_id> list.
type TaskHistoryEntry struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// TaskErrorEntry is one element of the task_errors:<paper_id> list.
type TaskErrorEntry struct {
	TaskID    string    `json:"task_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}
