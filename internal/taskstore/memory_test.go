package taskstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "task_history:p-1", HistoryKey("p-1"))
	assert.Equal(t, "task_errors:p-1", ErrorsKey("p-1"))
	assert.Equal(t, "task_progress:t-1", ProgressKey("t-1"))
}

func TestMemoryStore_History(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendHistory(ctx, "p-1", domain.TaskHistoryEntry{TaskID: "t-1", Status: domain.TaskStatusPending, Timestamp: ts}))
	require.NoError(t, s.AppendHistory(ctx, "p-1", domain.TaskHistoryEntry{TaskID: "t-1", Status: domain.TaskStatusCompleted, Timestamp: ts.Add(time.Second)}))
	require.NoError(t, s.AppendHistory(ctx, "p-2", domain.TaskHistoryEntry{TaskID: "t-2", Status: domain.TaskStatusPending, Timestamp: ts}))

	history, err := s.History(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.TaskStatusPending, history[0].Status)
	assert.Equal(t, domain.TaskStatusCompleted, history[1].Status)
	assert.True(t, history[1].Timestamp.Equal(ts.Add(time.Second)))

	empty, err := s.History(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	require.NoError(t, s.AppendError(ctx, "p-1", domain.TaskErrorEntry{TaskID: "t-1", Error: "timeout"}))
	errs, err := s.Errors(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "timeout", errs[0].Error)
}

func TestMemoryStore_Progress(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	_, err := s.Progress(ctx, "t-1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, s.SetProgress(ctx, Progress{TaskID: "t-1", PaperID: "p-1", Percent: 10}))
	require.NoError(t, s.SetProgress(ctx, Progress{TaskID: "t-1", PaperID: "p-1", Percent: 60, Message: "tables"}))

	p, err := s.Progress(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 60, p.Percent)
	assert.Equal(t, "tables", p.Message)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.AppendHistory(ctx, "p-1", domain.TaskHistoryEntry{TaskID: "t-1"}))
	require.NoError(t, s.SetProgress(ctx, Progress{TaskID: "t-1", Percent: 5}))

	now = now.Add(30 * time.Second)
	require.NoError(t, s.AppendHistory(ctx, "p-1", domain.TaskHistoryEntry{TaskID: "t-2"}))

	// The append refreshed the history TTL but not the progress TTL.
	now = now.Add(45 * time.Second)
	history, err := s.History(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	_, err = s.Progress(ctx, "t-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	now = now.Add(time.Minute)
	history, err = s.History(ctx, "p-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendError(ctx, "p-1", domain.TaskErrorEntry{TaskID: "t", Error: "x"})
		}()
	}
	wg.Wait()

	errs, err := s.Errors(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, errs, 50)
}
