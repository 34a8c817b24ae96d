package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func paperIn(status domain.PaperStatus) *domain.Paper {
	p := domain.NewPaper("paper-1", "Attention Is All You Need", fixedNow.Add(-time.Hour))
	p.Status = status
	p.History[0].Status = status
	return p
}

// allowed is the expected transition table written out independently of
// the implementation.
var allowed = map[domain.PaperStatus]map[domain.PaperStatus]bool{
	domain.PaperStatusUploaded:                {domain.PaperStatusQueued: true},
	domain.PaperStatusQueued:                  {domain.PaperStatusUploaded: true, domain.PaperStatusProcessing: true},
	domain.PaperStatusProcessing:              {domain.PaperStatusQueued: true, domain.PaperStatusExtractingEntities: true, domain.PaperStatusFailed: true},
	domain.PaperStatusExtractingEntities:      {domain.PaperStatusProcessing: true, domain.PaperStatusExtractingRelationships: true, domain.PaperStatusFailed: true},
	domain.PaperStatusExtractingRelationships: {domain.PaperStatusExtractingEntities: true, domain.PaperStatusBuildingKnowledgeGraph: true, domain.PaperStatusFailed: true},
	domain.PaperStatusBuildingKnowledgeGraph:  {domain.PaperStatusExtractingRelationships: true, domain.PaperStatusAnalyzed: true, domain.PaperStatusFailed: true},
	domain.PaperStatusAnalyzed:                {domain.PaperStatusBuildingKnowledgeGraph: true, domain.PaperStatusImplementationReady: true},
	domain.PaperStatusImplementationReady:     {domain.PaperStatusAnalyzed: true},
	domain.PaperStatusFailed:                  {domain.PaperStatusQueued: true},
}

func TestTransitionMatrix(t *testing.T) {
	for _, from := range domain.AllPaperStatuses {
		for _, to := range domain.AllPaperStatuses {
			from, to := from, to
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				want := allowed[from][to]
				assert.Equal(t, want, CanTransition(from, to))

				m := New(paperIn(from), WithClock(func() time.Time { return fixedNow }))
				before := m.Paper()

				got, err := m.TransitionTo(to, "test", nil)
				if !want {
					require.Error(t, err)
					var stErr *domain.StateTransitionError
					require.True(t, errors.As(err, &stErr))
					assert.Equal(t, from, stErr.From)
					assert.Equal(t, to, stErr.To)
					assert.ErrorIs(t, err, domain.ErrInvalidTransition)
					assert.Nil(t, got)
					assert.Equal(t, before, m.Paper(), "paper must be untouched")
					return
				}

				require.NoError(t, err)
				assert.Equal(t, to, got.Status)
				require.Len(t, got.History, len(before.History)+1)
				last := got.History[len(got.History)-1]
				assert.Equal(t, to, last.Status)
				assert.Equal(t, "test", last.Message)
				assert.Equal(t, fixedNow, last.Timestamp)
				assert.Equal(t, to, m.Status())
			})
		}
	}
}

func TestTransitionTo_SelfTransitionIsIllegal(t *testing.T) {
	for _, s := range domain.AllPaperStatuses {
		assert.False(t, CanTransition(s, s), s)
	}
}

func TestTransitionTo_ImplementationReadyFlag(t *testing.T) {
	m := New(paperIn(domain.PaperStatusAnalyzed))

	p, err := m.TransitionTo(domain.PaperStatusImplementationReady, "", nil)
	require.NoError(t, err)
	assert.True(t, p.ImplementationReady)
	assert.Equal(t, "implementation ready", p.LastEvent().Message)

	p, err = m.TransitionTo(domain.PaperStatusAnalyzed, "regenerate", nil)
	require.NoError(t, err)
	assert.False(t, p.ImplementationReady)
}

func TestTransitionTo_DetailsRecorded(t *testing.T) {
	m := New(paperIn(domain.PaperStatusProcessing))
	details := map[string]interface{}{"error": "boom", "error_type": "permanent"}

	p, err := m.TransitionTo(domain.PaperStatusFailed, "stage failed", details)
	require.NoError(t, err)
	assert.Equal(t, details, p.LastEvent().Details)
}

func TestTransitionTo_HistoryIsAppendOnly(t *testing.T) {
	m := New(paperIn(domain.PaperStatusUploaded))
	path := []domain.PaperStatus{
		domain.PaperStatusQueued,
		domain.PaperStatusProcessing,
		domain.PaperStatusExtractingEntities,
		domain.PaperStatusExtractingRelationships,
		domain.PaperStatusBuildingKnowledgeGraph,
		domain.PaperStatusAnalyzed,
	}

	prev := m.Paper().History
	for _, s := range path {
		p, err := m.TransitionTo(s, "", nil)
		require.NoError(t, err)
		assert.Equal(t, prev, p.History[:len(prev)])
		prev = p.History
	}
	assert.Len(t, prev, len(path)+1)
}

func TestTransitionTo_ReturnedPaperIsACopy(t *testing.T) {
	m := New(paperIn(domain.PaperStatusUploaded))
	p, err := m.TransitionTo(domain.PaperStatusQueued, "", nil)
	require.NoError(t, err)

	p.History[0].Message = "mutated"
	p.Status = domain.PaperStatusFailed
	assert.Equal(t, domain.PaperStatusQueued, m.Status())
	assert.NotEqual(t, "mutated", m.Paper().History[0].Message)
}

func TestProcess(t *testing.T) {
	t.Run("uploaded advances to queued", func(t *testing.T) {
		m := New(paperIn(domain.PaperStatusUploaded))
		next, moved := m.Process()
		assert.True(t, moved)
		assert.Equal(t, domain.PaperStatusQueued, next)
		assert.Len(t, m.Paper().History, 2)
	})

	t.Run("queued advances to processing", func(t *testing.T) {
		m := New(paperIn(domain.PaperStatusQueued))
		next, moved := m.Process()
		assert.True(t, moved)
		assert.Equal(t, domain.PaperStatusProcessing, next)
	})

	for _, s := range []domain.PaperStatus{
		domain.PaperStatusProcessing,
		domain.PaperStatusExtractingEntities,
		domain.PaperStatusExtractingRelationships,
		domain.PaperStatusBuildingKnowledgeGraph,
		domain.PaperStatusAnalyzed,
		domain.PaperStatusImplementationReady,
		domain.PaperStatusFailed,
	} {
		s := s
		t.Run(string(s)+" has no default work", func(t *testing.T) {
			m := New(paperIn(s))
			before := m.Paper()
			next, moved := m.Process()
			assert.False(t, moved)
			assert.Equal(t, s, next)
			assert.Equal(t, before, m.Paper())
		})
	}
}

func TestMachine_ConcurrentTransitions(t *testing.T) {
	m := New(paperIn(domain.PaperStatusUploaded))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.TransitionTo(domain.PaperStatusQueued, "", nil); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Len(t, m.Paper().History, 2)
}

func TestAllowedTransitions_ReturnsCopy(t *testing.T) {
	out := AllowedTransitions(domain.PaperStatusQueued)
	require.Len(t, out, 2)
	out[0] = domain.PaperStatusFailed
	assert.False(t, CanTransition(domain.PaperStatusQueued, domain.PaperStatusFailed))
}
