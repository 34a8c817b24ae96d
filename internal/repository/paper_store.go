package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// PaperStore persists papers and their processing history.
type PaperStore interface {
	// Load returns the paper with the given id.
	Load(ctx context.Context, id string) (*domain.Paper, error)

	// Save creates or replaces the paper. History is append-only: the stored
	// history must be a prefix of paper.History, otherwise the paper changed
	// since it was loaded and a *domain.ConflictError is returned.
	Save(ctx context.Context, paper *domain.Paper) error

	// UpdateStatus sets the paper's status and appends a history entry.
	UpdateStatus(ctx context.Context, id string, status domain.PaperStatus, message string, details map[string]interface{}) (*domain.Paper, error)
}

var validate = validator.New()

func validatePaper(p *domain.Paper) error {
	if p == nil {
		return domain.NewValidationError("paper", "is required")
	}
	if err := validate.Struct(p); err != nil {
		return domain.NewValidationError("paper", err.Error())
	}
	if !p.Status.IsValid() {
		return domain.NewValidationError("status", "unknown status "+string(p.Status))
	}
	return nil
}

// checkBase returns a *domain.ConflictError unless the stored history is a
// prefix of paper.History. stored is the stored entry count and last the
// newest stored entry, nil when there is none.
func checkBase(paper *domain.Paper, stored int, last *domain.ProcessingEvent) error {
	if stored > len(paper.History) {
		return domain.NewConflictError("paper", paper.ID,
			fmt.Sprintf("store holds %d history entries, save carries %d", stored, len(paper.History)))
	}
	if last == nil || stored == 0 {
		return nil
	}
	base := paper.History[stored-1]
	// PostgreSQL keeps microseconds.
	if base.Status != last.Status ||
		!base.Timestamp.Truncate(time.Microsecond).Equal(last.Timestamp.Truncate(time.Microsecond)) {
		return domain.NewConflictError("paper", paper.ID,
			fmt.Sprintf("history entry %d was written by another writer", stored))
	}
	return nil
}

// applyStatus records a status change on p the way the lifecycle does.
func applyStatus(p *domain.Paper, status domain.PaperStatus, message string, details map[string]interface{}, now time.Time) {
	p.Status = status
	switch status {
	case domain.PaperStatusImplementationReady:
		p.ImplementationReady = true
	case domain.PaperStatusAnalyzed:
		p.ImplementationReady = false
	}
	p.AppendEvent(domain.ProcessingEvent{
		Timestamp: now,
		Status:    status,
		Message:   message,
		Details:   details,
	})
}

// Compile-time interface verification.
var (
	_ PaperStore = (*MemoryPaperStore)(nil)
	_ PaperStore = (*PgPaperStore)(nil)
)

// MemoryPaperStore keeps papers in memory.
type MemoryPaperStore struct {
	mu     sync.RWMutex
	papers map[string]*domain.Paper
	now    func() time.Time
}

// NewMemoryPaperStore creates an empty MemoryPaperStore.
func NewMemoryPaperStore() *MemoryPaperStore {
	return &MemoryPaperStore{
		papers: make(map[string]*domain.Paper),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Load returns a copy of the stored paper.
func (s *MemoryPaperStore) Load(_ context.Context, id string) (*domain.Paper, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.papers[id]
	if !ok {
		return nil, domain.NewNotFoundError("paper", id)
	}
	return p.Clone(), nil
}

// Save stores a copy of paper.
func (s *MemoryPaperStore) Save(_ context.Context, paper *domain.Paper) error {
	if err := validatePaper(paper); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.papers[paper.ID]; ok {
		var last *domain.ProcessingEvent
		if n := len(existing.History); n > 0 {
			last = &existing.History[n-1]
		}
		if err := checkBase(paper, len(existing.History), last); err != nil {
			return err
		}
	}
	s.papers[paper.ID] = paper.Clone()
	return nil
}

// UpdateStatus sets the status of a stored paper.
func (s *MemoryPaperStore) UpdateStatus(_ context.Context, id string, status domain.PaperStatus, message string, details map[string]interface{}) (*domain.Paper, error) {
	if !status.IsValid() {
		return nil, domain.NewValidationError("status", "unknown status "+string(status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.papers[id]
	if !ok {
		return nil, domain.NewNotFoundError("paper", id)
	}
	next := p.Clone()
	applyStatus(next, status, message, details, s.now())
	s.papers[id] = next
	return next.Clone(), nil
}
