package store

import (
	"context"
	"database/sql"
)

// sqlExecutor is implemented by *sql.DB and *sql.Tx, so the shared query
// helpers (queryListings, querySaleRecords) serve both the read-side
// surfaces running against the pool and the reconciler running inside its
// per-tick transaction.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
