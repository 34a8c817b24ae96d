package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/resilience"
	"github.com/helixir/paper-pipeline-service/internal/taskstore"
)

// DefaultRetention is how long finished task records are kept in memory.
const DefaultRetention = 24 * time.Hour

// StageFunc performs the work of one pipeline stage for a paper.
type StageFunc func(ctx context.Context, paperID string, args map[string]interface{}) (map[string]interface{}, error)

// Config contains dispatcher settings.
type Config struct {
	// Workers is the local worker pool size. Zero means 2 x GOMAXPROCS.
	Workers int

	// Retention is how long finished task records are kept in memory.
	Retention time.Duration

	// QueueRateLimits throttles task starts per queue for the local
	// executor, in tasks per second.
	QueueRateLimits map[string]float64
}

// Dispatcher routes stage tasks to queues and runs them under the retry
// policy.
type Dispatcher struct {
	mu      sync.RWMutex
	stages  map[string]StageFunc
	records map[string]*domain.TaskRecord

	executor  Executor
	retrier   *resilience.Retrier
	store     taskstore.Store
	metrics   *observability.Metrics
	logger    zerolog.Logger
	validate  *validator.Validate
	retention time.Duration
	now       func() time.Time
	newID     func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithExecutor sets the executor tasks are submitted to. Without it the
// dispatcher runs tasks in-process on a LocalExecutor.
func WithExecutor(e Executor) Option {
	return func(d *Dispatcher) { d.executor = e }
}

// WithRetrier sets the retry driver wrapped around every task.
func WithRetrier(r *resilience.Retrier) Option {
	return func(d *Dispatcher) { d.retrier = r }
}

// WithStore sets the task history and progress store.
func WithStore(s taskstore.Store) Option {
	return func(d *Dispatcher) { d.store = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger.With().Str("component", "dispatcher").Logger() }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithIDGenerator sets the task id generator.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// New creates a Dispatcher.
func New(cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		stages:    make(map[string]StageFunc),
		records:   make(map[string]*domain.TaskRecord),
		logger:    zerolog.Nop(),
		validate:  validator.New(),
		retention: cfg.Retention,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	if d.retention <= 0 {
		d.retention = DefaultRetention
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.retrier == nil {
		d.retrier = resilience.NewRetrier(nil, resilience.WithLogger(d.logger))
	}
	if d.store == nil {
		d.store = taskstore.NewMemoryStore(taskstore.DefaultTTL)
	}
	if d.executor == nil {
		var localOpts []LocalOption
		for queue, perSecond := range cfg.QueueRateLimits {
			localOpts = append(localOpts, WithQueueRateLimit(queue, perSecond, 1))
		}
		d.executor = NewLocalExecutor(d, cfg.Workers, localOpts...)
	}
	return d
}

// Register binds a stage name to the function that performs it.
func (d *Dispatcher) Register(name string, fn StageFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stages[name] = fn
}

// Stages returns the registered stage names, sorted.
func (d *Dispatcher) Stages() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.stages))
	for name := range d.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store returns the task store.
func (d *Dispatcher) Store() taskstore.Store {
	return d.store
}

// RetryPolicy returns the policy tasks are retried under.
func (d *Dispatcher) RetryPolicy() *resilience.Policy {
	return d.retrier.Policy()
}

// CreateTask submits a stage task for a paper to the stage's queue.
func (d *Dispatcher) CreateTask(ctx context.Context, name, paperID string, args map[string]interface{}) (Handle, error) {
	req := Request{
		TaskID:  d.newID(),
		Name:    name,
		PaperID: paperID,
		Args:    args,
	}
	if err := d.validate.Struct(req); err != nil {
		return nil, domain.NewValidationError("task", err.Error())
	}

	queue := QueueFor(name)
	d.upsertRecord(req, queue, func(r *domain.TaskRecord) {
		r.Status = domain.TaskStatusPending
	})
	d.appendHistory(ctx, req, domain.TaskStatusPending)

	h, err := d.executor.Submit(ctx, req, queue)
	if err != nil {
		d.finishRecord(req, queue, nil, err, 0)
		return nil, fmt.Errorf("submit %s for paper %s: %w", name, paperID, err)
	}

	d.metrics.RecordTaskSubmitted(name, queue)
	taskLog := observability.WithTaskContext(d.logger, req.TaskID, name, queue)
	taskLog.Debug().
		Str("paper_id", paperID).
		Msg("task submitted")
	return h, nil
}

// ProcessTask runs a task to completion under the retry policy, recording
// every status change and failure. It is called by executors, in-process or
// on a queue worker.
func (d *Dispatcher) ProcessTask(ctx context.Context, req Request) (map[string]interface{}, error) {
	queue := QueueFor(req.Name)
	ctx = observability.WithTask(observability.WithPaperID(ctx, req.PaperID), observability.TaskContext{
		TaskID:   req.TaskID,
		TaskName: req.Name,
		Queue:    queue,
	})
	logger := observability.LoggerWithContext(ctx, d.logger)

	d.mu.RLock()
	fn, ok := d.stages[req.Name]
	d.mu.RUnlock()
	if !ok {
		err := resilience.NewPermanent(fmt.Errorf("no stage registered for task %q", req.Name))
		d.finishRecord(req, queue, nil, err, 0)
		d.appendHistory(ctx, req, domain.TaskStatusFailed)
		d.appendError(ctx, req, err)
		return nil, err
	}

	d.upsertRecord(req, queue, func(r *domain.TaskRecord) {
		r.Status = domain.TaskStatusInProgress
	})
	d.appendHistory(ctx, req, domain.TaskStatusInProgress)

	start := time.Now()
	attempts := 0
	result, err := resilience.Do(ctx, d.retrier,
		func(ctx context.Context) (map[string]interface{}, error) {
			return fn(ctx, req.PaperID, req.Args)
		},
		resilience.WithAttemptHook[map[string]interface{}](func(a resilience.Attempt) {
			attempts = a.Number
			d.upsertRecord(req, queue, func(r *domain.TaskRecord) { r.Attempts = a.Number })
			if a.Retrying {
				d.metrics.RecordRetry(req.Name, a.Category.String())
				d.appendError(ctx, req, a.Err)
				attemptLog := observability.WithAttemptContext(logger, a.Number, a.Category.String())
				attemptLog.Warn().
					Err(a.Err).
					Dur("backoff", a.Delay).
					Msg("task attempt failed, retrying")
			}
		}),
	)
	elapsed := time.Since(start).Seconds()

	d.finishRecord(req, queue, result, err, attempts)
	if err != nil {
		category := d.retrier.Policy().CategoryFor(err)
		d.appendHistory(ctx, req, domain.TaskStatusFailed)
		d.appendError(ctx, req, err)
		d.metrics.RecordTaskFailed(req.Name, queue, category.String(), attempts, elapsed)
		logger.Error().
			Err(err).
			Int("attempts", attempts).
			Str("category", category.String()).
			Msg("task failed")
		return nil, err
	}

	d.appendHistory(ctx, req, domain.TaskStatusCompleted)
	d.metrics.RecordTaskCompleted(req.Name, queue, attempts, elapsed)
	logger.Info().Int("attempts", attempts).Msg("task completed")
	return result, nil
}

// Record returns a copy of the in-memory record of a task.
func (d *Dispatcher) Record(taskID string) (domain.TaskRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.records[taskID]
	if !ok {
		return domain.TaskRecord{}, false
	}
	return *r, true
}

// Records returns the in-memory records of a paper's tasks, oldest first.
func (d *Dispatcher) Records(paperID string) []domain.TaskRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []domain.TaskRecord
	for _, r := range d.records {
		if r.PaperID == paperID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Prune drops finished records older than the retention window and returns
// how many were removed.
func (d *Dispatcher) Prune() int {
	cutoff := d.now().Add(-d.retention)
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, r := range d.records {
		if r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			delete(d.records, id)
			removed++
		}
	}
	return removed
}

// RunJanitor prunes records every interval until ctx is done.
func (d *Dispatcher) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Prune(); n > 0 {
				d.logger.Debug().Int("removed", n).Msg("pruned task records")
			}
		}
	}
}

// Close shuts down the executor.
func (d *Dispatcher) Close() error {
	return d.executor.Close()
}

func (d *Dispatcher) upsertRecord(req Request, queue string, mutate func(*domain.TaskRecord)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[req.TaskID]
	if !ok {
		r = &domain.TaskRecord{
			TaskID:    req.TaskID,
			PaperID:   req.PaperID,
			Name:      req.Name,
			Queue:     queue,
			Status:    domain.TaskStatusPending,
			CreatedAt: d.now(),
		}
		d.records[req.TaskID] = r
	}
	mutate(r)
}

func (d *Dispatcher) finishRecord(req Request, queue string, result map[string]interface{}, err error, attempts int) {
	completed := d.now()
	d.upsertRecord(req, queue, func(r *domain.TaskRecord) {
		r.CompletedAt = &completed
		if attempts > 0 {
			r.Attempts = attempts
		}
		if err != nil {
			r.Status = domain.TaskStatusFailed
			r.Error = err.Error()
			return
		}
		r.Status = domain.TaskStatusCompleted
		r.Result = result
	})
}

// appendHistory and appendError are best effort: a store outage must not
// fail the task itself.
func (d *Dispatcher) appendHistory(ctx context.Context, req Request, status domain.TaskStatus) {
	entry := domain.TaskHistoryEntry{TaskID: req.TaskID, Status: status, Timestamp: d.now()}
	if err := d.store.AppendHistory(context.WithoutCancel(ctx), req.PaperID, entry); err != nil {
		d.logger.Warn().Err(err).Str("task_id", req.TaskID).Msg("failed to record task history")
	}
}

func (d *Dispatcher) appendError(ctx context.Context, req Request, taskErr error) {
	entry := domain.TaskErrorEntry{TaskID: req.TaskID, Error: taskErr.Error(), Timestamp: d.now()}
	if err := d.store.AppendError(context.WithoutCancel(ctx), req.PaperID, entry); err != nil {
		d.logger.Warn().Err(err).Str("task_id", req.TaskID).Msg("failed to record task error")
	}
}
