package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/resilience"
)

// noSleep skips backoff waits so retry tests run instantly.
func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

var metricsSeq atomic.Int64

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("dispatch_test_%d", metricsSeq.Add(1)))
}

func newTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	base := []Option{
		WithRetrier(resilience.NewRetrier(nil, resilience.WithSleep(noSleep))),
	}
	d := New(Config{Workers: 4}, append(base, opts...)...)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// flakyStage fails the first n calls with failure, then succeeds.
func flakyStage(n int, failure error) (StageFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(_ context.Context, paperID string, _ map[string]interface{}) (map[string]interface{}, error) {
		if int(calls.Add(1)) <= n {
			return nil, failure
		}
		return map[string]interface{}{"paper_id": paperID}, nil
	}, &calls
}

func TestCreateTask_Success(t *testing.T) {
	d := newTestDispatcher(t)
	d.Register(TaskProcessPaper, func(_ context.Context, paperID string, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"paper_id": paperID, "pages": args["pages"]}, nil
	})

	h, err := d.CreateTask(context.Background(), TaskProcessPaper, "paper-1", map[string]interface{}{"pages": 12})
	require.NoError(t, err)
	assert.Equal(t, QueuePaperProcessing, h.Queue())
	assert.NotEmpty(t, h.TaskID())

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "paper-1", result["paper_id"])
	assert.Equal(t, 12, result["pages"])

	status, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, status)

	rec, ok := d.Record(h.TaskID())
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotNil(t, rec.CompletedAt)

	history, err := d.Store().History(context.Background(), "paper-1")
	require.NoError(t, err)
	var statuses []domain.TaskStatus
	for _, e := range history {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []domain.TaskStatus{
		domain.TaskStatusPending,
		domain.TaskStatusInProgress,
		domain.TaskStatusCompleted,
	}, statuses)
}

func TestCreateTask_ValidationError(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.CreateTask(context.Background(), TaskProcessPaper, "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestProcessTask_RetriesTransientFailures(t *testing.T) {
	metrics := newTestMetrics()
	d := newTestDispatcher(t, WithMetrics(metrics))
	fn, calls := flakyStage(2, resilience.NewTransient(errors.New("connection reset")))
	d.Register(TaskExtractEntities, fn)

	h, err := d.CreateTask(context.Background(), TaskExtractEntities, "paper-2", nil)
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	rec, _ := d.Record(h.TaskID())
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, domain.TaskStatusCompleted, rec.Status)

	errs, err := d.Store().Errors(context.Background(), "paper-2")
	require.NoError(t, err)
	assert.Len(t, errs, 2)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RetriesTotal.WithLabelValues(TaskExtractEntities, "transient")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TasksCompleted.WithLabelValues(TaskExtractEntities, QueueEntityExtraction)))
}

func TestProcessTask_PermanentFailureNotRetried(t *testing.T) {
	metrics := newTestMetrics()
	d := newTestDispatcher(t, WithMetrics(metrics))
	fn, calls := flakyStage(10, resilience.NewPermanent(errors.New("unsupported format")))
	d.Register(TaskExtractRelationships, fn)

	h, err := d.CreateTask(context.Background(), TaskExtractRelationships, "paper-3", nil)
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")

	assert.Equal(t, int32(1), calls.Load())
	rec, _ := d.Record(h.TaskID())
	assert.Equal(t, domain.TaskStatusFailed, rec.Status)
	assert.Equal(t, "unsupported format", rec.Error)

	errs, err := d.Store().Errors(context.Background(), "paper-3")
	require.NoError(t, err)
	assert.Len(t, errs, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TasksFailed.WithLabelValues(TaskExtractRelationships, QueueRelationshipExtraction, "permanent")))
}

func TestProcessTask_ExhaustsDataRetries(t *testing.T) {
	d := newTestDispatcher(t)
	fn, calls := flakyStage(100, resilience.NewDataRelated(errors.New("malformed table")))
	d.Register(TaskProcessPaper, fn)

	_, err := d.ProcessTask(context.Background(), Request{TaskID: "t-1", Name: TaskProcessPaper, PaperID: "paper-4"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	cat, noRetry := resilience.CategoryOf(err)
	assert.Equal(t, resilience.DataRelated, cat)
	assert.False(t, noRetry)
}

// lockedBuffer serialises log writes from concurrent goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) entries(t *testing.T, msg string) []map[string]interface{} {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(b.buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == msg {
			out = append(out, entry)
		}
	}
	return out
}

func TestProcessTask_RetryLogCarriesAttempt(t *testing.T) {
	var logs lockedBuffer
	d := newTestDispatcher(t, WithLogger(zerolog.New(&logs)))
	fn, _ := flakyStage(2, resilience.NewTransient(errors.New("extractor busy")))
	d.Register(TaskExtractEntities, fn)

	_, err := d.ProcessTask(context.Background(), Request{TaskID: "t-9", Name: TaskExtractEntities, PaperID: "paper-9"})
	require.NoError(t, err)

	retries := logs.entries(t, "task attempt failed, retrying")
	require.Len(t, retries, 2)
	for i, entry := range retries {
		assert.Equal(t, float64(i+1), entry["attempt"])
		assert.Equal(t, "transient", entry["category"])
		assert.Equal(t, TaskExtractEntities, entry["task_name"])
		assert.Equal(t, "paper-9", entry["paper_id"])
		assert.Equal(t, "t-9", entry["task_id"])
	}
}

func TestProcessTask_UnknownStage(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.ProcessTask(context.Background(), Request{TaskID: "t-2", Name: "missing", PaperID: "paper-5"})
	require.Error(t, err)
	cat, _ := resilience.CategoryOf(err)
	assert.Equal(t, resilience.Permanent, cat)

	rec, ok := d.Record("t-2")
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusFailed, rec.Status)
	assert.Equal(t, QueueDefault, rec.Queue)
}

func TestRecords_SortedByCreation(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	d := newTestDispatcher(t, WithClock(clock))
	fn, _ := flakyStage(0, nil)
	d.Register(TaskProcessPaper, fn)

	for i := 0; i < 3; i++ {
		_, err := d.ProcessTask(context.Background(), Request{TaskID: fmt.Sprintf("t-%d", i), Name: TaskProcessPaper, PaperID: "paper-6"})
		require.NoError(t, err)
	}
	_, err := d.ProcessTask(context.Background(), Request{TaskID: "other", Name: TaskProcessPaper, PaperID: "paper-7"})
	require.NoError(t, err)

	recs := d.Records("paper-6")
	require.Len(t, recs, 3)
	assert.Equal(t, "t-0", recs[0].TaskID)
	assert.Equal(t, "t-2", recs[2].TaskID)
}

func TestPrune_RemovesExpiredFinishedRecords(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	d := New(Config{Workers: 2, Retention: time.Hour},
		WithClock(clock),
		WithRetrier(resilience.NewRetrier(nil, resilience.WithSleep(noSleep))),
	)
	defer d.Close()
	fn, _ := flakyStage(0, nil)
	d.Register(TaskProcessPaper, fn)

	_, err := d.ProcessTask(context.Background(), Request{TaskID: "old", Name: TaskProcessPaper, PaperID: "p"})
	require.NoError(t, err)
	d.upsertRecord(Request{TaskID: "running", Name: TaskProcessPaper, PaperID: "p"}, QueuePaperProcessing, func(*domain.TaskRecord) {})

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	assert.Equal(t, 1, d.Prune())
	_, ok := d.Record("old")
	assert.False(t, ok)
	_, ok = d.Record("running")
	assert.True(t, ok)
}

type failingExecutor struct{}

func (failingExecutor) Submit(context.Context, Request, string) (Handle, error) {
	return nil, errors.New("broker unreachable")
}

func (failingExecutor) Close() error { return nil }

func TestCreateTask_SubmitFailureMarksRecordFailed(t *testing.T) {
	d := newTestDispatcher(t, WithExecutor(failingExecutor{}), WithIDGenerator(func() string { return "fixed" }))

	_, err := d.CreateTask(context.Background(), TaskProcessPaper, "paper-8", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")

	rec, ok := d.Record("fixed")
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusFailed, rec.Status)
}
