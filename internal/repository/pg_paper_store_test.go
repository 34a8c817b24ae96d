package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

var paperColumns = []string{"id", "title", "status", "implementation_ready", "metadata", "created_at", "updated_at"}

var eventColumns = []string{"occurred_at", "status", "message", "details"}

func newTestPaper(now time.Time) *domain.Paper {
	p := domain.NewPaper("paper-1", "Attention Is All You Need", now)
	p.Metadata = map[string]interface{}{"pages": float64(15)}
	return p
}

func TestPgPaperStore_Load(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("loads paper with ordered history", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery("SELECT id, title, status, implementation_ready, metadata, created_at, updated_at FROM papers WHERE id = \\$1").
			WithArgs("paper-1").
			WillReturnRows(pgxmock.NewRows(paperColumns).
				AddRow("paper-1", "Attention", "queued", false, []byte(`{"pages":15}`), now, now.Add(time.Minute)))
		mock.ExpectQuery("SELECT occurred_at, status, message, details FROM processing_events WHERE paper_id = \\$1 ORDER BY seq").
			WithArgs("paper-1").
			WillReturnRows(pgxmock.NewRows(eventColumns).
				AddRow(now, "uploaded", "paper uploaded", []byte(nil)).
				AddRow(now.Add(time.Minute), "queued", "queued for processing", []byte(`{"source":"upload"}`)))

		store := NewPgPaperStore(mock)
		p, err := store.Load(ctx, "paper-1")
		require.NoError(t, err)

		assert.Equal(t, domain.PaperStatusQueued, p.Status)
		assert.Equal(t, float64(15), p.Metadata["pages"])
		require.Len(t, p.History, 2)
		assert.Equal(t, domain.PaperStatusUploaded, p.History[0].Status)
		assert.Nil(t, p.History[0].Details)
		assert.Equal(t, "upload", p.History[1].Details["source"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery("SELECT .* FROM papers WHERE id = \\$1").
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err = NewPgPaperStore(mock).Load(ctx, "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		var nf *domain.NotFoundError
		assert.True(t, errors.As(err, &nf))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wraps backing failures", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery("SELECT .* FROM papers WHERE id = \\$1").
			WithArgs("paper-1").
			WillReturnError(errors.New("connection refused"))

		_, err = NewPgPaperStore(mock).Load(ctx, "paper-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrDatabase))
		assert.False(t, errors.Is(err, domain.ErrNotFound))
		var dbErr *domain.DatabaseError
		require.True(t, errors.As(err, &dbErr))
		assert.Equal(t, "load paper", dbErr.Op)
	})
}

var headColumns = []string{"seq", "status", "occurred_at"}

const lockHeadQuery = "SELECT COALESCE\\(e.seq, 0\\).* FROM papers p LEFT JOIN LATERAL .* WHERE p.id = \\$1 FOR UPDATE OF p"

func TestPgPaperStore_Save(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("updates paper and appends only new events", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		paper := newTestPaper(now)
		paper.Status = domain.PaperStatusQueued
		paper.AppendEvent(domain.ProcessingEvent{Timestamp: now.Add(time.Second), Status: domain.PaperStatusQueued, Message: "queued"})

		mock.ExpectBegin()
		mock.ExpectQuery(lockHeadQuery).
			WithArgs("paper-1").
			WillReturnRows(pgxmock.NewRows(headColumns).AddRow(1, "uploaded", now))
		mock.ExpectExec("UPDATE papers SET title = \\$2").
			WithArgs("paper-1", paper.Title, "queued", false, pgxmock.AnyArg(), paper.UpdatedAt).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec("INSERT INTO processing_events").
			WithArgs("paper-1", 2, now.Add(time.Second), "queued", "queued", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, NewPgPaperStore(mock).Save(ctx, paper))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inserts a new paper with its history", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		paper := newTestPaper(now)

		mock.ExpectBegin()
		mock.ExpectQuery(lockHeadQuery).
			WithArgs("paper-1").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec("INSERT INTO papers .* ON CONFLICT \\(id\\) DO NOTHING").
			WithArgs("paper-1", paper.Title, "uploaded", false, pgxmock.AnyArg(), paper.CreatedAt, paper.UpdatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO processing_events").
			WithArgs("paper-1", 1, now, "uploaded", "paper uploaded", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, NewPgPaperStore(mock).Save(ctx, paper))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects a paper created by another writer", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(lockHeadQuery).
			WithArgs("paper-1").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec("INSERT INTO papers").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectRollback()

		err = NewPgPaperStore(mock).Save(ctx, newTestPaper(now))
		assert.True(t, errors.Is(err, domain.ErrConflict))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects history the store has moved past", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		paper := newTestPaper(now)

		mock.ExpectBegin()
		mock.ExpectQuery(lockHeadQuery).
			WithArgs("paper-1").
			WillReturnRows(pgxmock.NewRows(headColumns).AddRow(3, "processing", now.Add(2*time.Second)))
		mock.ExpectRollback()

		err = NewPgPaperStore(mock).Save(ctx, paper)
		require.Error(t, err)
		var conflict *domain.ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "paper-1", conflict.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects a save whose base entry was written by another process", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		// Both processes loaded one entry and appended their own second
		// entry; the other process committed first.
		paper := newTestPaper(now)
		paper.Status = domain.PaperStatusQueued
		paper.AppendEvent(domain.ProcessingEvent{Timestamp: now.Add(time.Second), Status: domain.PaperStatusQueued, Message: "queued"})

		mock.ExpectBegin()
		mock.ExpectQuery(lockHeadQuery).
			WithArgs("paper-1").
			WillReturnRows(pgxmock.NewRows(headColumns).AddRow(2, "queued", now.Add(1500*time.Millisecond)))
		mock.ExpectRollback()

		err = NewPgPaperStore(mock).Save(ctx, paper)
		assert.True(t, errors.Is(err, domain.ErrConflict))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("validates before touching the database", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		err = NewPgPaperStore(mock).Save(ctx, &domain.Paper{ID: "", Status: domain.PaperStatusUploaded})
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))

		err = NewPgPaperStore(mock).Save(ctx, &domain.Paper{ID: "p", Status: "archived"})
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))

		err = NewPgPaperStore(mock).Save(ctx, nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on update failure", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(lockHeadQuery).
			WithArgs("paper-1").
			WillReturnRows(pgxmock.NewRows(headColumns).AddRow(1, "uploaded", now))
		mock.ExpectExec("UPDATE papers SET title").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err = NewPgPaperStore(mock).Save(ctx, newTestPaper(now))
		assert.True(t, errors.Is(err, domain.ErrDatabase))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgPaperStore_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("locks, updates and appends", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		store := NewPgPaperStore(mock)
		store.now = func() time.Time { return now }

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COALESCE\\(.*\\) FROM papers WHERE id = \\$1 FOR UPDATE").
			WithArgs("paper-1").
			WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(2))
		mock.ExpectExec("UPDATE papers SET status = \\$1").
			WithArgs("implementation_ready", now, "paper-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec("INSERT INTO processing_events").
			WithArgs("paper-1", 3, now, "implementation_ready", "ready", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectQuery("SELECT .* FROM papers WHERE id = \\$1").
			WithArgs("paper-1").
			WillReturnRows(pgxmock.NewRows(paperColumns).
				AddRow("paper-1", "Attention", "implementation_ready", true, []byte(nil), now, now))
		mock.ExpectQuery("SELECT .* FROM processing_events").
			WithArgs("paper-1").
			WillReturnRows(pgxmock.NewRows(eventColumns).
				AddRow(now, "implementation_ready", "ready", []byte(`{"by":"reviewer"}`)))
		mock.ExpectCommit()

		p, err := store.UpdateStatus(ctx, "paper-1", domain.PaperStatusImplementationReady, "ready", map[string]interface{}{"by": "reviewer"})
		require.NoError(t, err)
		assert.True(t, p.ImplementationReady)
		assert.Equal(t, domain.PaperStatusImplementationReady, p.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found for missing paper", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		_, err = NewPgPaperStore(mock).UpdateStatus(ctx, "missing", domain.PaperStatusQueued, "", nil)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		_, err = NewPgPaperStore(mock).UpdateStatus(ctx, "paper-1", "archived", "", nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure is a database error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

		_, err = NewPgPaperStore(mock).UpdateStatus(ctx, "paper-1", domain.PaperStatusQueued, "", nil)
		assert.True(t, errors.Is(err, domain.ErrDatabase))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
