// Package repository provides paper persistence for the paper pipeline
// service.
//
// # Overview
//
// PaperStore is the narrow storage contract the orchestrator depends on:
// load and save a paper by id, and update its status with a history entry.
// PgPaperStore implements it over PostgreSQL; MemoryPaperStore keeps papers
// in process for tests and local runs.
//
// # Error Handling
//
//   - domain.ErrNotFound: the paper does not exist (*domain.NotFoundError)
//   - domain.ErrInvalidInput: the paper failed validation
//   - domain.ErrDatabase: the backing store failed (*domain.DatabaseError)
//
// # Transactions
//
// PgPaperStore accepts a DBTX so it can run against a pool or inside a
// transaction. When given a pool, writes open their own transaction.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/helixir/paper-pipeline-service/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
type DBTX = database.DBTX

// txBeginner is implemented by pools (*pgxpool.Pool, *database.DB) and by
// pgx.Tx, where Begin opens a savepoint.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
