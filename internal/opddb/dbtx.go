// Package opddb is the Postgres-backed realization of the persistence
// contracts pkg/token, pkg/slot, pkg/capacity, and pkg/priority declare, plus
// an in-memory MemoryStore implementing the same interfaces for tests that
// need no database.
package opddb

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so PostgresStore's
// query methods can run standalone or inside a caller-managed transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
