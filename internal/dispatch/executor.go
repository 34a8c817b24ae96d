package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// ErrExecutorClosed is returned by Submit after Close.
var ErrExecutorClosed = errors.New("executor closed")

// Request is the unit of work handed to an executor.
type Request struct {
	TaskID  string                 `json:"task_id" validate:"required"`
	Name    string                 `json:"name" validate:"required"`
	PaperID string                 `json:"paper_id" validate:"required"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

// Handle tracks a submitted task.
type Handle interface {
	// TaskID returns the task identifier.
	TaskID() string

	// Queue returns the queue the task was routed to.
	Queue() string

	// Status polls the task's current status.
	Status(ctx context.Context) (domain.TaskStatus, error)

	// Wait blocks until the task finishes or ctx is done and returns the
	// task's result or final error.
	Wait(ctx context.Context) (map[string]interface{}, error)
}

// Processor runs a task to completion, including retries.
type Processor interface {
	ProcessTask(ctx context.Context, req Request) (map[string]interface{}, error)
}

// Executor submits tasks to queues.
type Executor interface {
	Submit(ctx context.Context, req Request, queue string) (Handle, error)
	Close() error
}

// LocalExecutor runs tasks in goroutines of this process. A semaphore
// bounds how many run at once; retry backoff happens inside the running
// task, so a retrying task holds its slot while it sleeps.
type LocalExecutor struct {
	processor Processor
	sem       chan struct{}

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	closed   bool
	wg       sync.WaitGroup
}

// LocalOption configures a LocalExecutor.
type LocalOption func(*LocalExecutor)

// WithQueueRateLimit throttles how fast tasks of a queue start.
func WithQueueRateLimit(queue string, perSecond float64, burst int) LocalOption {
	return func(e *LocalExecutor) {
		if burst < 1 {
			burst = 1
		}
		e.limiters[queue] = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewLocalExecutor creates a LocalExecutor with the given number of workers
// (see WorkerCount).
func NewLocalExecutor(p Processor, workers int, opts ...LocalOption) *LocalExecutor {
	e := &LocalExecutor{
		processor: p,
		sem:       make(chan struct{}, WorkerCount(workers)),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Workers returns the pool size.
func (e *LocalExecutor) Workers() int {
	return cap(e.sem)
}

// Submit starts req in the background. The task keeps running if ctx is
// canceled after Submit returns; it only stops waiting for a free slot.
func (e *LocalExecutor) Submit(ctx context.Context, req Request, queue string) (Handle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrExecutorClosed
	}
	limiter := e.limiters[queue]
	e.wg.Add(1)
	e.mu.Unlock()

	h := newLocalHandle(req.TaskID, queue)
	runCtx := context.WithoutCancel(ctx)

	go func() {
		defer e.wg.Done()

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			h.finish(nil, ctx.Err(), domain.TaskStatusCanceled)
			return
		}
		defer func() { <-e.sem }()

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				h.finish(nil, err, domain.TaskStatusCanceled)
				return
			}
		}

		h.setStatus(domain.TaskStatusInProgress)
		result, err := e.processor.ProcessTask(runCtx, req)
		if err != nil {
			h.finish(nil, err, domain.TaskStatusFailed)
			return
		}
		h.finish(result, nil, domain.TaskStatusCompleted)
	}()

	return h, nil
}

// Close stops accepting tasks and waits for running ones to finish.
func (e *LocalExecutor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

type localHandle struct {
	taskID string
	queue  string
	done   chan struct{}

	mu     sync.Mutex
	status domain.TaskStatus
	result map[string]interface{}
	err    error
}

func newLocalHandle(taskID, queue string) *localHandle {
	return &localHandle{
		taskID: taskID,
		queue:  queue,
		done:   make(chan struct{}),
		status: domain.TaskStatusPending,
	}
}

func (h *localHandle) TaskID() string { return h.taskID }

func (h *localHandle) Queue() string { return h.queue }

func (h *localHandle) Status(context.Context) (domain.TaskStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, nil
}

func (h *localHandle) Wait(ctx context.Context) (map[string]interface{}, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *localHandle) setStatus(s domain.TaskStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *localHandle) finish(result map[string]interface{}, err error, s domain.TaskStatus) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.status = s
	h.mu.Unlock()
	close(h.done)
}
