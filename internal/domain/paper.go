package domain

import (
	"time"
)

// PaperStatus is the lifecycle status of a paper in the extraction pipeline.
type PaperStatus string

// Paper lifecycle statuses.
const (
	PaperStatusUploaded                PaperStatus = "uploaded"
	PaperStatusQueued                  PaperStatus = "queued"
	PaperStatusProcessing              PaperStatus = "processing"
	PaperStatusExtractingEntities      PaperStatus = "extracting_entities"
	PaperStatusExtractingRelationships PaperStatus = "extracting_relationships"
	PaperStatusBuildingKnowledgeGraph  PaperStatus = "building_knowledge_graph"
	PaperStatusAnalyzed                PaperStatus = "analyzed"
	PaperStatusImplementationReady     PaperStatus = "implementation_ready"
	PaperStatusFailed                  PaperStatus = "failed"
)

// AllPaperStatuses lists every status in lifecycle order.
var AllPaperStatuses = []PaperStatus{
	PaperStatusUploaded,
	PaperStatusQueued,
	PaperStatusProcessing,
	PaperStatusExtractingEntities,
	PaperStatusExtractingRelationships,
	PaperStatusBuildingKnowledgeGraph,
	PaperStatusAnalyzed,
	PaperStatusImplementationReady,
	PaperStatusFailed,
}

// IsValid reports whether s is a known status.
func (s PaperStatus) IsValid() bool {
	for _, known := range AllPaperStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsProcessingStage returns true for the statuses in which background work runs.
func (s PaperStatus) IsProcessingStage() bool {
	switch s {
	case PaperStatusProcessing,
		PaperStatusExtractingEntities,
		PaperStatusExtractingRelationships,
		PaperStatusBuildingKnowledgeGraph:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s PaperStatus) String() string {
	return string(s)
}

// ProcessingEvent is an immutable record appended to a paper's history each
// time its status changes.
type ProcessingEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Status    PaperStatus            `json:"status"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Paper is a research paper tracked by the pipeline.
type Paper struct {
	ID                  string                 `json:"id" validate:"required,max=128"`
	Title               string                 `json:"title" validate:"max=1024"`
	Status              PaperStatus            `json:"status" validate:"required"`
	ImplementationReady bool                   `json:"implementation_ready"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	History             []ProcessingEvent      `json:"history"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// NewPaper creates a paper in the uploaded state with its first history entry.
func NewPaper(id, title string, now time.Time) *Paper {
	return &Paper{
		ID:     id,
		Title:  title,
		Status: PaperStatusUploaded,
		History: []ProcessingEvent{{
			Timestamp: now,
			Status:    PaperStatusUploaded,
			Message:   "paper uploaded",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy of the paper whose history and metadata can be
// modified without affecting the original.
func (p *Paper) Clone() *Paper {
	if p == nil {
		return nil
	}
	cp := *p
	cp.History = make([]ProcessingEvent, len(p.History))
	copy(cp.History, p.History)
	if p.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// AppendEvent appends a processing event to the history.
func (p *Paper) AppendEvent(ev ProcessingEvent) {
	p.History = append(p.History, ev)
	p.UpdatedAt = ev.Timestamp
}

// LastEvent returns the most recent history entry, or nil if there is none.
func (p *Paper) LastEvent() *ProcessingEvent {
	if len(p.History) == 0 {
		return nil
	}
	return &p.History[len(p.History)-1]
}

// TimeInStages sums the time spent in each status, using the history
// timestamps. The current status accrues time until now.
func (p *Paper) TimeInStages(now time.Time) map[PaperStatus]time.Duration {
	out := make(map[PaperStatus]time.Duration)
	for i, ev := range p.History {
		end := now
		if i+1 < len(p.History) {
			end = p.History[i+1].Timestamp
		}
		if end.After(ev.Timestamp) {
			out[ev.Status] += end.Sub(ev.Timestamp)
		}
	}
	return out
}
