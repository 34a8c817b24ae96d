package domain

import (
	"time"
)

// Event type constants for notification bus payloads.
const (
	EventTypeSystem      = "system"
	EventTypePaperStatus = "paper_status"
	EventTypeError       = "error"
)

// PaperStatusData is the data block of a paper_status event.
type PaperStatusData struct {
	Status   PaperStatus            `json:"status"`
	Message  string                 `json:"message"`
	Progress int                    `json:"progress"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Event is a notification delivered to bus subscribers. The populated fields
// depend on EventType:
//
//   - system: Message, Metadata
//   - paper_status: PaperID, Data
//   - error: Message, ErrorType, Details (PaperID when scoped to a paper)
type Event struct {
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	PaperID   string                 `json:"paper_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Data      *PaperStatusData       `json:"data,omitempty"`
	ErrorType string                 `json:"error_type,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewSystemEvent creates a system event.
func NewSystemEvent(message string, metadata map[string]interface{}) Event {
	return Event{
		EventType: EventTypeSystem,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Metadata:  metadata,
	}
}

// NewPaperStatusEvent creates a paper_status event.
func NewPaperStatusEvent(paperID string, status PaperStatus, message string, progress int, metadata map[string]interface{}) Event {
	return Event{
		EventType: EventTypePaperStatus,
		Timestamp: time.Now().UTC(),
		PaperID:   paperID,
		Data: &PaperStatusData{
			Status:   status,
			Message:  message,
			Progress: progress,
			Metadata: metadata,
		},
	}
}

// NewErrorEvent creates an error event.
func NewErrorEvent(message, errorType string, details map[string]interface{}) Event {
	return Event{
		EventType: EventTypeError,
		Timestamp: time.Now().UTC(),
		Message:   message,
		ErrorType: errorType,
		Details:   details,
	}
}

// ForPaper scopes the event to a paper.
func (e Event) ForPaper(paperID string) Event {
	e.PaperID = paperID
	return e
}
