package lifecycle

import (
	"sync"
	"time"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// Machine drives one paper through its lifecycle. It is safe for concurrent
// use; every change is applied to a copy of the paper and swapped in only
// once complete, so a failed transition never leaves partial state behind.
type Machine struct {
	mu    sync.Mutex
	paper *domain.Paper
	now   func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a machine for paper. The machine takes ownership of a copy of
// the paper; callers read the current state through Paper.
func New(paper *domain.Paper, opts ...Option) *Machine {
	m := &Machine{
		paper: paper.Clone(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Paper returns a copy of the current paper.
func (m *Machine) Paper() *domain.Paper {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paper.Clone()
}

// Status returns the current status.
func (m *Machine) Status() domain.PaperStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paper.Status
}

// CanTransitionTo reports whether the paper may move to status.
func (m *Machine) CanTransitionTo(status domain.PaperStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CanTransition(m.paper.Status, status)
}

// TransitionTo moves the paper to status, running its entry behaviour.
// An illegal move returns a *domain.StateTransitionError and leaves the
// paper untouched.
func (m *Machine) TransitionTo(status domain.PaperStatus, reason string, details map[string]interface{}) (*domain.Paper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.paper.Status, status) {
		return nil, domain.NewStateTransitionError(m.paper.ID, m.paper.Status, status)
	}
	m.enter(status, reason, details)
	return m.paper.Clone(), nil
}

// Process runs one step of the current state's default work. If that
// selects a different status the paper enters it; otherwise nothing changes.
// It returns the resulting status and whether a transition happened.
func (m *Machine) Process() (domain.PaperStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.paper.Status
	st, ok := states[current]
	if !ok {
		return current, false
	}

	next := st.process(m.paper.Clone())
	if next == current || !CanTransition(current, next) {
		return current, false
	}
	m.enter(next, "", nil)
	return next, true
}

// enter must be called with mu held and a legal target.
func (m *Machine) enter(status domain.PaperStatus, reason string, details map[string]interface{}) {
	next := m.paper.Clone()
	states[status].enter(next, reason, details, m.now())
	m.paper = next
}
