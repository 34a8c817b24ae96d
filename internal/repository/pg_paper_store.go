package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// PgPaperStore is a PostgreSQL implementation of PaperStore. Papers live in
// the papers table; their history is the processing_events table ordered by
// seq.
type PgPaperStore struct {
	db  DBTX
	now func() time.Time
}

// NewPgPaperStore creates a new PostgreSQL paper store.
func NewPgPaperStore(db DBTX) *PgPaperStore {
	return &PgPaperStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Load returns the paper with its full history.
func (s *PgPaperStore) Load(ctx context.Context, id string) (*domain.Paper, error) {
	query := `
		SELECT id, title, status, implementation_ready, metadata, created_at, updated_at
		FROM papers
		WHERE id = $1`

	var (
		p            domain.Paper
		status       string
		metadataJSON []byte
	)
	err := s.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Title,
		&status,
		&p.ImplementationReady,
		&metadataJSON,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", id)
		}
		return nil, domain.NewDatabaseError("load paper", err)
	}
	p.Status = domain.PaperStatus(status)

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal paper metadata: %w", err)
		}
	}

	history, err := s.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	p.History = history
	return &p, nil
}

func (s *PgPaperStore) loadHistory(ctx context.Context, id string) ([]domain.ProcessingEvent, error) {
	query := `
		SELECT occurred_at, status, message, details
		FROM processing_events
		WHERE paper_id = $1
		ORDER BY seq`

	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, domain.NewDatabaseError("load history", err)
	}
	defer rows.Close()

	var history []domain.ProcessingEvent
	for rows.Next() {
		var (
			ev          domain.ProcessingEvent
			status      string
			detailsJSON []byte
		)
		if err := rows.Scan(&ev.Timestamp, &status, &ev.Message, &detailsJSON); err != nil {
			return nil, domain.NewDatabaseError("scan history", err)
		}
		ev.Status = domain.PaperStatus(status)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &ev.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
			}
		}
		history = append(history, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDatabaseError("iterate history", err)
	}
	return history, nil
}

// Save writes the paper row and appends history entries not yet stored. The
// paper row is locked first and the stored history checked against
// paper.History, so a save based on a stale load fails with a
// *domain.ConflictError instead of overwriting another process's write.
func (s *PgPaperStore) Save(ctx context.Context, paper *domain.Paper) error {
	if err := validatePaper(paper); err != nil {
		return err
	}
	return s.inTx(ctx, func(store *PgPaperStore) error {
		return store.saveInTx(ctx, paper)
	})
}

func (s *PgPaperStore) saveInTx(ctx context.Context, paper *domain.Paper) error {
	metadataJSON, err := marshalJSON(paper.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal paper metadata: %w", err)
	}

	stored, last, exists, err := s.lockHead(ctx, paper.ID)
	if err != nil {
		return err
	}
	if err := checkBase(paper, stored, last); err != nil {
		return err
	}

	if exists {
		if _, err := s.db.Exec(ctx, `
			UPDATE papers SET
				title = $2,
				status = $3,
				implementation_ready = $4,
				metadata = $5,
				updated_at = $6
			WHERE id = $1`,
			paper.ID,
			paper.Title,
			string(paper.Status),
			paper.ImplementationReady,
			metadataJSON,
			paper.UpdatedAt,
		); err != nil {
			return domain.NewDatabaseError("save paper", err)
		}
	} else {
		tag, err := s.db.Exec(ctx, `
			INSERT INTO papers (id, title, status, implementation_ready, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			paper.ID,
			paper.Title,
			string(paper.Status),
			paper.ImplementationReady,
			metadataJSON,
			paper.CreatedAt,
			paper.UpdatedAt,
		)
		if err != nil {
			return domain.NewDatabaseError("save paper", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.NewConflictError("paper", paper.ID, "created by another writer")
		}
	}

	for i := stored; i < len(paper.History); i++ {
		if err := s.insertEvent(ctx, paper.ID, i+1, paper.History[i]); err != nil {
			return err
		}
	}
	return nil
}

// lockHead locks the paper row and returns its history length and newest
// history entry. exists is false when the paper is not stored yet.
func (s *PgPaperStore) lockHead(ctx context.Context, id string) (stored int, last *domain.ProcessingEvent, exists bool, err error) {
	var (
		seq        int
		status     string
		occurredAt time.Time
	)
	err = s.db.QueryRow(ctx, `
		SELECT COALESCE(e.seq, 0), COALESCE(e.status, ''), COALESCE(e.occurred_at, p.created_at)
		FROM papers p
		LEFT JOIN LATERAL (
			SELECT seq, status, occurred_at
			FROM processing_events
			WHERE paper_id = p.id
			ORDER BY seq DESC
			LIMIT 1
		) e ON TRUE
		WHERE p.id = $1
		FOR UPDATE OF p`, id).Scan(&seq, &status, &occurredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, domain.NewDatabaseError("lock paper", err)
	}
	if seq == 0 {
		return 0, nil, true, nil
	}
	return seq, &domain.ProcessingEvent{Timestamp: occurredAt, Status: domain.PaperStatus(status)}, true, nil
}

// UpdateStatus locks the paper row, sets its status and appends one event.
func (s *PgPaperStore) UpdateStatus(ctx context.Context, id string, status domain.PaperStatus, message string, details map[string]interface{}) (*domain.Paper, error) {
	if !status.IsValid() {
		return nil, domain.NewValidationError("status", "unknown status "+string(status))
	}
	var updated *domain.Paper
	err := s.inTx(ctx, func(store *PgPaperStore) error {
		var seq int
		err := store.db.QueryRow(ctx, `
			SELECT COALESCE((SELECT MAX(seq) FROM processing_events WHERE paper_id = $1), 0)
			FROM papers
			WHERE id = $1
			FOR UPDATE`, id).Scan(&seq)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.NewNotFoundError("paper", id)
			}
			return domain.NewDatabaseError("lock paper", err)
		}

		now := store.now()
		ev := domain.ProcessingEvent{Timestamp: now, Status: status, Message: message, Details: details}

		if _, err := store.db.Exec(ctx, `
			UPDATE papers SET
				status = $1,
				implementation_ready = CASE
					WHEN $1 = 'implementation_ready' THEN TRUE
					WHEN $1 = 'analyzed' THEN FALSE
					ELSE implementation_ready
				END,
				updated_at = $2
			WHERE id = $3`,
			string(status), now, id,
		); err != nil {
			return domain.NewDatabaseError("update status", err)
		}
		if err := store.insertEvent(ctx, id, seq+1, ev); err != nil {
			return err
		}

		updated, err = store.Load(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PgPaperStore) insertEvent(ctx context.Context, paperID string, seq int, ev domain.ProcessingEvent) error {
	detailsJSON, err := marshalJSON(ev.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO processing_events (paper_id, seq, occurred_at, status, message, details)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		paperID, seq, ev.Timestamp, string(ev.Status), ev.Message, detailsJSON,
	); err != nil {
		return domain.NewDatabaseError("append history", err)
	}
	return nil
}

// inTx runs fn in a transaction when the store holds a pool, or directly
// when it already runs inside one.
func (s *PgPaperStore) inTx(ctx context.Context, fn func(*PgPaperStore) error) error {
	beginner, ok := s.db.(txBeginner)
	if !ok {
		return fn(s)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return domain.NewDatabaseError("begin transaction", err)
	}
	if err := fn(&PgPaperStore{db: tx, now: s.now}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.NewDatabaseError("commit transaction", err)
	}
	return nil
}

func marshalJSON(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
