package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/resilience"
)

const taskTypePrefix = "stage:"

// TaskType returns the asynq task type of a stage.
func TaskType(stage string) string {
	return taskTypePrefix + stage
}

// AsynqConfig contains asynq executor settings.
type AsynqConfig struct {
	// PollInterval is how often Wait polls the task state.
	PollInterval time.Duration

	// Retention is how long asynq keeps completed tasks so their result
	// can be read back.
	Retention time.Duration

	// Timeout bounds one task execution including its retries.
	Timeout time.Duration
}

func (c AsynqConfig) withDefaults() AsynqConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Hour
	}
	return c
}

// taskInspector is the part of *asynq.Inspector used by handles.
type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// AsynqExecutor submits tasks to Redis-backed asynq queues. Retries are
// driven inside the task by the dispatcher, so tasks are enqueued with
// asynq's own retry disabled.
type AsynqExecutor struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       AsynqConfig
}

// NewAsynqExecutor creates an AsynqExecutor.
func NewAsynqExecutor(opt asynq.RedisClientOpt, cfg AsynqConfig) *AsynqExecutor {
	return &AsynqExecutor{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		cfg:       cfg.withDefaults(),
	}
}

// Submit enqueues req on queue.
func (e *AsynqExecutor) Submit(ctx context.Context, req Request, queue string) (Handle, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	t := asynq.NewTask(TaskType(req.Name), payload,
		asynq.Queue(queue),
		asynq.TaskID(req.TaskID),
		asynq.MaxRetry(0),
		asynq.Retention(e.cfg.Retention),
		asynq.Timeout(e.cfg.Timeout),
	)
	info, err := e.client.EnqueueContext(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &asynqHandle{
		taskID:       info.ID,
		queue:        info.Queue,
		inspector:    e.inspector,
		pollInterval: e.cfg.PollInterval,
	}, nil
}

// Close releases the client and inspector connections.
func (e *AsynqExecutor) Close() error {
	return errors.Join(e.client.Close(), e.inspector.Close())
}

type asynqHandle struct {
	taskID       string
	queue        string
	inspector    taskInspector
	pollInterval time.Duration
}

func (h *asynqHandle) TaskID() string { return h.taskID }

func (h *asynqHandle) Queue() string { return h.queue }

func (h *asynqHandle) Status(context.Context) (domain.TaskStatus, error) {
	info, err := h.inspector.GetTaskInfo(h.queue, h.taskID)
	if err != nil {
		return "", fmt.Errorf("failed to get task info: %w", err)
	}
	return MapExternalStatus(ExternalStatusFromAsynq(info.State)), nil
}

func (h *asynqHandle) Wait(ctx context.Context) (map[string]interface{}, error) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		info, err := h.inspector.GetTaskInfo(h.queue, h.taskID)
		if err != nil {
			return nil, fmt.Errorf("failed to get task info: %w", err)
		}

		switch MapExternalStatus(ExternalStatusFromAsynq(info.State)) {
		case domain.TaskStatusCompleted:
			return decodeResult(info.Result)
		case domain.TaskStatusFailed:
			return nil, decodeFailure(info)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// failureResult is written as the task result when a task fails so that
// the waiting side can recover the error category.
type failureResult struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

var categoriesByName = map[string]resilience.ErrorCategory{
	resilience.Transient.String():   resilience.Transient,
	resilience.DataRelated.String(): resilience.DataRelated,
	resilience.System.String():      resilience.System,
	resilience.Dependency.String():  resilience.Dependency,
	resilience.Permanent.String():   resilience.Permanent,
}

func decodeResult(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task result: %w", err)
	}
	return out, nil
}

func decodeFailure(info *asynq.TaskInfo) error {
	var fr failureResult
	if len(info.Result) > 0 && json.Unmarshal(info.Result, &fr) == nil && fr.Error != "" {
		err := errors.New(fr.Error)
		if category, ok := categoriesByName[fr.Category]; ok {
			return resilience.Classified(category, err)
		}
		return err
	}
	msg := strings.TrimPrefix(info.LastErr, asynq.SkipRetry.Error()+": ")
	if msg == "" {
		msg = "task failed"
	}
	return errors.New(msg)
}

// NewAsynqHandler returns the asynq handler that runs stage tasks through
// the processor. Failures are final for asynq; the processor has already
// retried them.
func NewAsynqHandler(p Processor, policy *resilience.Policy) asynq.Handler {
	if policy == nil {
		policy = resilience.DefaultPolicy()
	}
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		var req Request
		if err := json.Unmarshal(t.Payload(), &req); err != nil {
			return fmt.Errorf("%w: invalid task payload: %v", asynq.SkipRetry, err)
		}

		result, err := p.ProcessTask(ctx, req)
		if err != nil {
			writeResult(t, failureResult{Error: err.Error(), Category: policy.CategoryFor(err).String()})
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		writeResult(t, result)
		return nil
	})
}

func writeResult(t *asynq.Task, v interface{}) {
	w := t.ResultWriter()
	if w == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}

// NewAsynqServeMux routes every registered stage to the dispatcher.
func NewAsynqServeMux(d *Dispatcher) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	handler := NewAsynqHandler(d, d.retrier.Policy())
	for _, stage := range d.Stages() {
		mux.Handle(TaskType(stage), handler)
	}
	return mux
}

// NewAsynqServer creates a queue server consuming every pipeline queue.
func NewAsynqServer(opt asynq.RedisClientOpt, workers int, logger zerolog.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: WorkerCount(workers),
		Queues:      QueuePriorities(),
		Logger:      observability.NewAsynqLogger(logger),
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})
}
