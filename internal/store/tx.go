package store

import (
	"context"
	"database/sql"

	"github.com/agentsync/hub/internal/db"
)

// RetryTx runs fn inside a transaction, retrying the whole transaction
// under db.RetryBusy if SQLite reports the database busy. fn must be
// idempotent with respect to its own side effects outside the
// transaction, since it may run more than once.
func RetryTx(ctx context.Context, sqlDB *sql.DB, fn func(tx *sql.Tx) error) error {
	return db.RetryBusy(ctx, func() error {
		tx, err := sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
