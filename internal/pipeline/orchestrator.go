// Package pipeline wires the paper lifecycle, the task dispatcher and the
// notification bus together. An Orchestrator is the single owner of those
// components inside a process; papers move only through its methods.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/dispatch"
	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/lifecycle"
	"github.com/helixir/paper-pipeline-service/internal/notify"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/repository"
	"github.com/helixir/paper-pipeline-service/internal/taskstore"
)

// ErrChainRunning is returned when a paper already has a processing chain.
var ErrChainRunning = errors.New("processing chain already running")

// statusProgress is the progress percentage reported with a status.
var statusProgress = map[domain.PaperStatus]int{
	domain.PaperStatusUploaded:                0,
	domain.PaperStatusQueued:                  5,
	domain.PaperStatusProcessing:              10,
	domain.PaperStatusExtractingEntities:      30,
	domain.PaperStatusExtractingRelationships: 55,
	domain.PaperStatusBuildingKnowledgeGraph:  80,
	domain.PaperStatusAnalyzed:                100,
	domain.PaperStatusImplementationReady:     100,
	domain.PaperStatusFailed:                  0,
}

// StatusProgress returns the progress percentage reported for status.
func StatusProgress(status domain.PaperStatus) int {
	return statusProgress[status]
}

// Orchestrator drives papers through the pipeline.
type Orchestrator struct {
	store      repository.PaperStore
	dispatcher *dispatch.Dispatcher
	bus        *notify.Bus
	locks      *keyedMutex
	metrics    *observability.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	chains map[string]*dispatch.ChainHandle
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger.With().Str("component", "orchestrator").Logger() }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock sets the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(store repository.PaperStore, dispatcher *dispatch.Dispatcher, bus *notify.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
		locks:      newKeyedMutex(),
		logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
		chains:     make(map[string]*dispatch.ChainHandle),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Bus returns the notification bus.
func (o *Orchestrator) Bus() *notify.Bus {
	return o.bus
}

// Dispatcher returns the task dispatcher.
func (o *Orchestrator) Dispatcher() *dispatch.Dispatcher {
	return o.dispatcher
}

// Paper loads a paper.
func (o *Orchestrator) Paper(ctx context.Context, paperID string) (*domain.Paper, error) {
	return o.store.Load(ctx, paperID)
}

// Submit registers a new paper in the uploaded state.
func (o *Orchestrator) Submit(ctx context.Context, paperID, title string, metadata map[string]interface{}) (*domain.Paper, error) {
	unlock := o.locks.Lock(paperID)
	defer unlock()

	_, err := o.store.Load(ctx, paperID)
	switch {
	case err == nil:
		return nil, domain.NewValidationError("id", fmt.Sprintf("paper %s already exists", paperID))
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("submit paper %s: %w", paperID, err)
	}

	paper := domain.NewPaper(paperID, title, o.now())
	paper.Metadata = metadata
	if err := o.store.Save(ctx, paper); err != nil {
		return nil, fmt.Errorf("submit paper %s: %w", paperID, err)
	}

	o.publishStatus(paper, nil)
	paperLog := observability.WithPaperContext(o.logger, paperID, string(paper.Status))
	paperLog.Info().Msg("paper submitted")
	return paper, nil
}

// TransitionTo moves a paper to status. An illegal move returns a
// *domain.StateTransitionError and leaves the stored paper unchanged. It is
// a manual override: entering processing this way does not start a chain.
func (o *Orchestrator) TransitionTo(ctx context.Context, paperID string, status domain.PaperStatus, reason string, details map[string]interface{}) (*domain.Paper, error) {
	unlock := o.locks.Lock(paperID)
	defer unlock()
	return o.transitionLocked(ctx, paperID, status, reason, details)
}

// Process runs one step of the paper's default lifecycle work. It returns
// the resulting status and whether the paper moved. A step into processing
// starts the paper's chain; if the chain cannot be created the paper is
// marked failed and the error returned.
func (o *Orchestrator) Process(ctx context.Context, paperID string) (domain.PaperStatus, bool, error) {
	unlock := o.locks.Lock(paperID)
	defer unlock()

	paper, err := o.store.Load(ctx, paperID)
	if err != nil {
		return "", false, err
	}

	from := paper.Status
	m := lifecycle.New(paper, lifecycle.WithClock(o.now))
	next, moved := m.Process()
	if !moved {
		return next, false, nil
	}

	updated := m.Paper()
	if err := o.store.Save(ctx, updated); err != nil {
		return "", false, fmt.Errorf("process paper %s: %w", paperID, err)
	}
	o.metrics.RecordTransition(string(from), string(next))
	o.publishStatus(updated, nil)

	if next == domain.PaperStatusProcessing && !o.chainRunning(paperID) {
		if _, err := o.launchLocked(ctx, paperID, nil); err != nil {
			return "", false, err
		}
	}
	return next, true, nil
}

// StartProcessing moves an uploaded or queued paper into processing and
// starts its processing chain in the background.
func (o *Orchestrator) StartProcessing(ctx context.Context, paperID string, args map[string]interface{}) (*dispatch.ChainHandle, error) {
	unlock := o.locks.Lock(paperID)
	defer unlock()

	if o.chainRunning(paperID) {
		return nil, ErrChainRunning
	}

	paper, err := o.store.Load(ctx, paperID)
	if err != nil {
		return nil, err
	}
	return o.startLocked(ctx, paper, args)
}

// startLocked must be called with the paper's lock held.
func (o *Orchestrator) startLocked(ctx context.Context, paper *domain.Paper, args map[string]interface{}) (*dispatch.ChainHandle, error) {
	paperID := paper.ID
	if paper.Status == domain.PaperStatusUploaded {
		if _, err := o.transitionLocked(ctx, paperID, domain.PaperStatusQueued, "queued for processing", nil); err != nil {
			return nil, err
		}
	}
	if _, err := o.transitionLocked(ctx, paperID, domain.PaperStatusProcessing, "processing started", nil); err != nil {
		return nil, err
	}
	return o.launchLocked(ctx, paperID, args)
}

// launchLocked starts the chain of a paper already in processing. It must be
// called with the paper's lock held; the chain's terminal hooks take the same
// lock, so the chain is tracked before it can finish.
func (o *Orchestrator) launchLocked(ctx context.Context, paperID string, args map[string]interface{}) (*dispatch.ChainHandle, error) {
	chain, err := o.dispatcher.CreateProcessingChain(ctx, paperID, args, &chainHooks{o: o})
	if err != nil {
		if _, ferr := o.transitionLocked(ctx, paperID, domain.PaperStatusFailed, err.Error(), nil); ferr != nil {
			o.logger.Error().Err(ferr).Str("paper_id", paperID).Msg("failed to mark paper failed")
		}
		return nil, err
	}
	o.trackChain(paperID, chain)
	return chain, nil
}

// Requeue returns a failed paper to the queue and restarts processing. A
// paper in any other status is rejected with a *domain.StateTransitionError.
func (o *Orchestrator) Requeue(ctx context.Context, paperID, reason string) (*dispatch.ChainHandle, error) {
	if reason == "" {
		reason = "requeued"
	}

	unlock := o.locks.Lock(paperID)
	defer unlock()

	if o.chainRunning(paperID) {
		return nil, ErrChainRunning
	}
	paper, err := o.store.Load(ctx, paperID)
	if err != nil {
		return nil, err
	}
	if paper.Status != domain.PaperStatusFailed {
		o.metrics.RecordTransitionRejected(string(paper.Status), string(domain.PaperStatusQueued))
		return nil, domain.NewStateTransitionError(paperID, paper.Status, domain.PaperStatusQueued)
	}

	queued, err := o.transitionLocked(ctx, paperID, domain.PaperStatusQueued, reason, nil)
	if err != nil {
		return nil, err
	}
	return o.startLocked(ctx, queued, nil)
}

// Cancel stops a paper's processing chain before its next stage. It reports
// whether a chain was running.
func (o *Orchestrator) Cancel(paperID string) bool {
	o.mu.Lock()
	chain, ok := o.chains[paperID]
	o.mu.Unlock()
	if ok {
		chain.Cancel()
	}
	return ok
}

// ReportProgress stores a task's progress and broadcasts it to the paper's
// subscribers.
func (o *Orchestrator) ReportProgress(ctx context.Context, taskID, paperID string, percent int, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	err := o.dispatcher.Store().SetProgress(ctx, taskstore.Progress{
		TaskID:    taskID,
		PaperID:   paperID,
		Percent:   percent,
		Message:   message,
		UpdatedAt: o.now(),
	})
	if err != nil {
		return fmt.Errorf("report progress for task %s: %w", taskID, err)
	}

	status := domain.PaperStatusProcessing
	if paper, err := o.store.Load(ctx, paperID); err == nil {
		status = paper.Status
	}
	o.bus.BroadcastToPaper(paperID, domain.NewPaperStatusEvent(paperID, status, message, percent,
		map[string]interface{}{"task_id": taskID}))
	return nil
}

// ReportStageProgress reports progress for the task running in ctx. Stage
// functions call it; outside a task it is a no-op.
func (o *Orchestrator) ReportStageProgress(ctx context.Context, percent int, message string) error {
	task := observability.TaskFromContext(ctx)
	paperID := observability.PaperIDFromContext(ctx)
	if task.TaskID == "" || paperID == "" {
		return nil
	}
	return o.ReportProgress(ctx, task.TaskID, paperID, percent, message)
}

// TaskReport gathers what is known about a paper's tasks.
type TaskReport struct {
	PaperID string                    `json:"paper_id"`
	History []domain.TaskHistoryEntry `json:"history"`
	Errors  []domain.TaskErrorEntry   `json:"errors"`
	Tasks   []domain.TaskRecord       `json:"tasks"`
}

// Tasks returns the task history, errors and in-memory records of a paper.
func (o *Orchestrator) Tasks(ctx context.Context, paperID string) (*TaskReport, error) {
	store := o.dispatcher.Store()
	history, err := store.History(ctx, paperID)
	if err != nil {
		return nil, fmt.Errorf("task history for paper %s: %w", paperID, err)
	}
	taskErrors, err := store.Errors(ctx, paperID)
	if err != nil {
		return nil, fmt.Errorf("task errors for paper %s: %w", paperID, err)
	}
	return &TaskReport{
		PaperID: paperID,
		History: history,
		Errors:  taskErrors,
		Tasks:   o.dispatcher.Records(paperID),
	}, nil
}

// Close cancels running chains and waits for them to stop.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	chains := make([]*dispatch.ChainHandle, 0, len(o.chains))
	for _, c := range o.chains {
		chains = append(chains, c)
	}
	o.mu.Unlock()

	for _, c := range chains {
		c.Cancel()
	}
	for _, c := range chains {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// transitionLocked must be called with the paper's lock held.
func (o *Orchestrator) transitionLocked(ctx context.Context, paperID string, status domain.PaperStatus, reason string, details map[string]interface{}) (*domain.Paper, error) {
	paper, err := o.store.Load(ctx, paperID)
	if err != nil {
		return nil, err
	}

	from := paper.Status
	m := lifecycle.New(paper, lifecycle.WithClock(o.now))
	updated, err := m.TransitionTo(status, reason, details)
	if err != nil {
		o.metrics.RecordTransitionRejected(string(from), string(status))
		paperLog := observability.WithPaperContext(o.logger, paperID, string(from))
		paperLog.Warn().
			Str("target", string(status)).
			Msg("rejected state transition")
		return nil, err
	}

	if err := o.store.Save(ctx, updated); err != nil {
		return nil, fmt.Errorf("save paper %s after transition to %s: %w", paperID, status, err)
	}

	o.metrics.RecordTransition(string(from), string(status))
	o.publishStatus(updated, details)
	paperLog := observability.WithPaperContext(o.logger, paperID, string(status))
	paperLog.Info().
		Str("from", string(from)).
		Msg("paper transitioned")
	return updated, nil
}

func (o *Orchestrator) publishStatus(paper *domain.Paper, metadata map[string]interface{}) {
	message := ""
	if ev := paper.LastEvent(); ev != nil {
		message = ev.Message
	}
	o.bus.BroadcastToPaper(paper.ID, domain.NewPaperStatusEvent(paper.ID, paper.Status, message,
		statusProgress[paper.Status], metadata))
}

func (o *Orchestrator) chainRunning(paperID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.chains[paperID]
	return ok
}

func (o *Orchestrator) trackChain(paperID string, chain *dispatch.ChainHandle) {
	o.mu.Lock()
	o.chains[paperID] = chain
	o.mu.Unlock()
}

// untrackChain is called by the terminal chain hooks with the paper's lock
// held, before the chain's Done channel closes.
func (o *Orchestrator) untrackChain(paperID string) {
	o.mu.Lock()
	delete(o.chains, paperID)
	o.mu.Unlock()
}
