package store

import (
	"context"
	"database/sql"
)

// DB wraps the shared *sql.DB handle and exposes WithTx so callers that need
// multi-step atomicity — the reconciler above all — never have to manage
// commit/rollback bookkeeping themselves.
type DB struct {
	*sql.DB
}

// NewDB wraps an already-opened *sql.DB.
func NewDB(db *sql.DB) *DB {
	return &DB{DB: db}
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back if fn returns an error or panics. A panic is re-thrown after
// rollback so it is never swallowed.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
