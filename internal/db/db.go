// Package db opens and migrates the hub's SQLite database.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "modernc.org/sqlite"
)

// Open opens a SQLite database at the given path and configures it for
// concurrent use (WAL mode, foreign keys enabled). Use ":memory:" for
// an in-memory database (useful for testing).
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite only supports a single writer at a time.
	sqlDB.SetMaxOpenConns(1)

	return sqlDB, nil
}

// RetryBusy retries fn with exponential backoff when SQLite reports the
// database is locked/busy, which can happen transiently under the
// single-writer constraint even with a busy_timeout set. Any other
// error is returned immediately.
func RetryBusy(ctx context.Context, fn func() error) error {
	bo := newBusyBackoff()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := fn()
		if err == nil || !isBusyErr(err) || time.Now().After(deadline) {
			return err
		}
		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func newBusyBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.Multiplier = 2.0
	b.Reset()
	return b
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrTxDone) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
