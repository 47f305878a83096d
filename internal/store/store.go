// Package store is the hub's durable, transactional storage layer:
// sessions, machines, messages, users, push subscriptions, and user
// preferences, plus the version-checked updates and bounded range
// queries the cache layer builds on. It is deliberately shaped like a
// hand-written sqlc.Queries: one small method per statement on a
// *Store wrapping a *sql.DB, the same style as the teacher's generated
// db.Queries (protoc/sqlc codegen isn't available in this exercise, so
// the generated shape is authored by hand instead).
package store

import (
	"context"
	"database/sql"

	"github.com/agentsync/hub/internal/contentcodec"
)

// UpdateStatus is the outcome of a version-checked update.
type UpdateStatus int

const (
	UpdateSuccess UpdateStatus = iota
	UpdateVersionMismatch
)

// Store wraps a *sql.DB with the hub's CRUD and version-checked update
// operations. Writes run inside RetryTx, which retries the whole
// transaction under db.RetryBusy; the pending-delivery writes are the
// exception and execute directly without a retry.
type Store struct {
	db *sql.DB
}

// New wraps an already-open, already-migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle, for callers (tests, migrations)
// that need direct access.
func (s *Store) DB() *sql.DB { return s.db }

func encode(data []byte) ([]byte, contentcodec.Compression) {
	return contentcodec.Encode(data)
}

func decode(data []byte, c contentcodec.Compression) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return contentcodec.Decode(data, c)
}

// ListNamespaces returns every namespace id that has ever been
// created, used by the alive monitor to enumerate what to sweep.
func (s *Store) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM namespaces ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}
