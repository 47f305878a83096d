package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentsync/hub/internal/contentcodec"
	"github.com/agentsync/hub/internal/id"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrWrongNamespace is returned by GetSession when sessionID exists
// but belongs to a different namespace than the one requested —
// callers surface this as 403 access-denied rather than 404, so a
// user can't probe for session ids by observing which status comes
// back.
var ErrWrongNamespace = errors.New("store: session belongs to another namespace")

// Session is a durable row from the sessions table, with BLOB columns
// decompressed back into raw JSON.
type Session struct {
	ID                string          `json:"id"`
	Namespace         string          `json:"namespace"`
	Tag               *string         `json:"tag,omitempty"`
	Seq               int64           `json:"seq"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	Active            bool            `json:"active"`
	ActiveAt          *time.Time      `json:"activeAt,omitempty"`
	Thinking          bool            `json:"thinking"`
	ThinkingAt        *time.Time      `json:"thinkingAt,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	MetadataVersion   int64           `json:"metadataVersion"`
	AgentState        json.RawMessage `json:"agentState,omitempty"`
	AgentStateVersion int64           `json:"agentStateVersion"`
	Todos             json.RawMessage `json:"todos,omitempty"`
	TodosUpdatedAt    *time.Time      `json:"todosUpdatedAt,omitempty"`
	PermissionMode    string          `json:"permissionMode,omitempty"`
	ModelMode         string          `json:"modelMode,omitempty"`
}

const sessionColumns = `id, namespace, tag, seq, created_at, updated_at, active, active_at,
	thinking, thinking_at, metadata, metadata_codec, metadata_version,
	agent_state, agent_state_codec, agent_state_version,
	todos, todos_codec, todos_updated_at, permission_mode, model_mode`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var metadata, agentState, todos []byte
	var metadataCodec, agentStateCodec, todosCodec contentcodec.Compression
	var tag sql.NullString
	var activeAt, thinkingAt, todosUpdatedAt sql.NullTime

	if err := row.Scan(
		&s.ID, &s.Namespace, &tag, &s.Seq, &s.CreatedAt, &s.UpdatedAt, &s.Active, &activeAt,
		&s.Thinking, &thinkingAt, &metadata, &metadataCodec, &s.MetadataVersion,
		&agentState, &agentStateCodec, &s.AgentStateVersion,
		&todos, &todosCodec, &todosUpdatedAt, &s.PermissionMode, &s.ModelMode,
	); err != nil {
		return nil, err
	}
	if tag.Valid {
		v := tag.String
		s.Tag = &v
	}
	if activeAt.Valid {
		v := activeAt.Time
		s.ActiveAt = &v
	}
	if thinkingAt.Valid {
		v := thinkingAt.Time
		s.ThinkingAt = &v
	}
	if todosUpdatedAt.Valid {
		v := todosUpdatedAt.Time
		s.TodosUpdatedAt = &v
	}
	var err error
	if s.Metadata, err = decode(metadata, metadataCodec); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if s.AgentState, err = decode(agentState, agentStateCodec); err != nil {
		return nil, fmt.Errorf("decode agent state: %w", err)
	}
	if s.Todos, err = decode(todos, todosCodec); err != nil {
		return nil, fmt.Errorf("decode todos: %w", err)
	}
	return &s, nil
}

// CreateSession inserts a new session, or returns the existing one if
// tag is non-empty and already claimed within the namespace — matching
// the reconnect-by-tag semantics runners rely on after a process
// restart.
func (s *Store) CreateSession(ctx context.Context, namespace string, tag *string, metadata, agentState json.RawMessage) (*Session, error) {
	var out *Session
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO namespaces (id) VALUES (?)`, namespace); err != nil {
			return fmt.Errorf("ensure namespace: %w", err)
		}
		if tag != nil {
			existing, err := getSessionByTagTx(ctx, tx, namespace, *tag)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		newID := id.Generate()
		now := time.Now().UTC()
		metaBlob, metaCodec := encode(metadata)
		stateBlob, stateCodec := encode(agentState)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, namespace, tag, seq, created_at, updated_at, active, active_at,
				metadata, metadata_codec, metadata_version, agent_state, agent_state_codec, agent_state_version)
			VALUES (?, ?, ?, 0, ?, ?, 1, ?, ?, ?, 1, ?, ?, 1)`,
			newID, namespace, tag, now, now, now, metaBlob, metaCodec, stateBlob, stateCodec)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		out, err = getSessionTx(ctx, tx, namespace, newID)
		return err
	})
	return out, err
}

func getSessionTx(ctx context.Context, tx *sql.Tx, namespace, sessionID string) (*Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? AND id = ?`, namespace, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func getSessionByTagTx(ctx context.Context, tx *sql.Tx, namespace, tag string) (*Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? AND tag = ?`, namespace, tag)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// GetSession fetches a session by id within a namespace. If sessionID
// exists but belongs to a different namespace, it returns
// ErrWrongNamespace instead of ErrNotFound, so callers can tell a
// cross-tenant access attempt (403) apart from a genuinely unknown id
// (404) without leaking which case applies in the response body.
func (s *Store) GetSession(ctx context.Context, namespace, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? AND id = ?`, namespace, sessionID)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var actualNamespace string
	checkErr := s.db.QueryRowContext(ctx, `SELECT namespace FROM sessions WHERE id = ?`, sessionID).Scan(&actualNamespace)
	if errors.Is(checkErr, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if checkErr != nil {
		return nil, checkErr
	}
	return nil, ErrWrongNamespace
}

// GetSessionByTag fetches a session by its reconnection tag.
func (s *Store) GetSessionByTag(ctx context.Context, namespace, tag string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? AND tag = ?`, namespace, tag)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListSessions returns all sessions in a namespace, most recently
// updated first.
func (s *Store) ListSessions(ctx context.Context, namespace string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? ORDER BY updated_at DESC`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, via ON DELETE CASCADE, its
// messages. Reports whether a row was actually deleted.
func (s *Store) DeleteSession(ctx context.Context, namespace, sessionID string) (bool, error) {
	var deleted bool
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE namespace = ? AND id = ?`, namespace, sessionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// SetSessionActive marks a session's live/active flag and activity
// timestamp, optionally bumping updated_at so subscribers see the
// liveness change.
func (s *Store) SetSessionActive(ctx context.Context, namespace, sessionID string, active bool, at time.Time, touchUpdatedAt bool) error {
	return RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		q := `UPDATE sessions SET active = ?, active_at = ?`
		args := []any{active, at}
		if touchUpdatedAt {
			q += `, updated_at = ?`
			args = append(args, at)
		}
		q += ` WHERE namespace = ? AND id = ?`
		args = append(args, namespace, sessionID)
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	})
}

// SetSessionThinking marks a session's thinking flag.
func (s *Store) SetSessionThinking(ctx context.Context, namespace, sessionID string, thinking bool, at time.Time) error {
	return RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET thinking = ?, thinking_at = ? WHERE namespace = ? AND id = ?`,
			thinking, at, namespace, sessionID)
		return err
	})
}

// UpdateSessionMetadata applies a version-checked metadata replace.
// expectedVersion must match the row's current metadata_version or the
// update is rejected with UpdateVersionMismatch and the current row is
// returned so the caller can reconcile.
func (s *Store) UpdateSessionMetadata(ctx context.Context, namespace, sessionID string, metadata json.RawMessage, expectedVersion int64, touchUpdatedAt bool) (UpdateStatus, *Session, error) {
	status := UpdateSuccess
	var out *Session
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := getSessionTx(ctx, tx, namespace, sessionID)
		if err != nil {
			return err
		}
		if current.MetadataVersion != expectedVersion {
			status = UpdateVersionMismatch
			out = current
			return nil
		}
		blob, codec := encode(metadata)
		q := `UPDATE sessions SET metadata = ?, metadata_codec = ?, metadata_version = metadata_version + 1`
		args := []any{blob, codec}
		if touchUpdatedAt {
			q += `, updated_at = ?`
			args = append(args, time.Now().UTC())
		}
		q += ` WHERE namespace = ? AND id = ?`
		args = append(args, namespace, sessionID)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
		out, err = getSessionTx(ctx, tx, namespace, sessionID)
		return err
	})
	return status, out, err
}

// UpdateSessionAgentState applies a version-checked agent-state
// replace, symmetric to UpdateSessionMetadata.
func (s *Store) UpdateSessionAgentState(ctx context.Context, namespace, sessionID string, state json.RawMessage, expectedVersion int64) (UpdateStatus, *Session, error) {
	status := UpdateSuccess
	var out *Session
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := getSessionTx(ctx, tx, namespace, sessionID)
		if err != nil {
			return err
		}
		if current.AgentStateVersion != expectedVersion {
			status = UpdateVersionMismatch
			out = current
			return nil
		}
		blob, codec := encode(state)
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET agent_state = ?, agent_state_codec = ?, agent_state_version = agent_state_version + 1
			WHERE namespace = ? AND id = ?`, blob, codec, namespace, sessionID); err != nil {
			return err
		}
		out, err = getSessionTx(ctx, tx, namespace, sessionID)
		return err
	})
	return status, out, err
}

// SetSessionTodos replaces the session's todo list, but only if
// updatedAt is strictly newer than the stored todos_updated_at — a
// last-write-wins guard against an out-of-order backfill scan
// clobbering a fresher update delivered directly by the runner.
func (s *Store) SetSessionTodos(ctx context.Context, namespace, sessionID string, todos json.RawMessage, updatedAt time.Time) (bool, error) {
	var applied bool
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := getSessionTx(ctx, tx, namespace, sessionID)
		if err != nil {
			return err
		}
		if current.TodosUpdatedAt != nil && !updatedAt.After(*current.TodosUpdatedAt) {
			applied = false
			return nil
		}
		blob, codec := encode(todos)
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET todos = ?, todos_codec = ?, todos_updated_at = ?
			WHERE namespace = ? AND id = ?`, blob, codec, updatedAt, namespace, sessionID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// SetSessionConfig updates the permission/model mode fields a client
// can steer mid-session.
func (s *Store) SetSessionConfig(ctx context.Context, namespace, sessionID string, permissionMode, modelMode *string) error {
	return RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		if permissionMode != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET permission_mode = ? WHERE namespace = ? AND id = ?`, *permissionMode, namespace, sessionID); err != nil {
				return err
			}
		}
		if modelMode != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET model_mode = ? WHERE namespace = ? AND id = ?`, *modelMode, namespace, sessionID); err != nil {
				return err
			}
		}
		return nil
	})
}

// RenameSession changes a session's reconnection tag.
func (s *Store) RenameSession(ctx context.Context, namespace, sessionID string, tag *string) error {
	return RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET tag = ? WHERE namespace = ? AND id = ?`, tag, namespace, sessionID)
		return err
	})
}

// MergeSessionMessages reassigns all of src's messages onto dst,
// renumbering their seq to continue dst's sequence, then deletes src.
// Used when a client discovers two sessions should be treated as one
// (e.g. a reconnect created a duplicate before the tag match landed).
func (s *Store) MergeSessionMessages(ctx context.Context, namespace, dstID, srcID string) error {
	return RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		dst, err := getSessionTx(ctx, tx, namespace, dstID)
		if err != nil {
			return fmt.Errorf("dst session: %w", err)
		}
		src, err := getSessionTx(ctx, tx, namespace, srcID)
		if err != nil {
			return fmt.Errorf("src session: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT id, local_id, created_at, content, content_codec FROM messages WHERE session_id = ? ORDER BY seq ASC`, src.ID)
		if err != nil {
			return err
		}
		type row struct {
			id, localID  sql.NullString
			createdAt    time.Time
			content      []byte
			contentCodec contentcodec.Compression
		}
		var srcRows []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.localID, &r.createdAt, &r.content, &r.contentCodec); err != nil {
				rows.Close()
				return err
			}
			srcRows = append(srcRows, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		nextSeq := dst.Seq
		for _, r := range srcRows {
			nextSeq++
			var localID any
			if r.localID.Valid {
				localID = r.localID.String
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET session_id = ?, seq = ?, local_id = ? WHERE id = ?`,
				dst.ID, nextSeq, localID, r.id.String); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET seq = ? WHERE namespace = ? AND id = ?`, nextSeq, namespace, dst.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE namespace = ? AND id = ?`, namespace, src.ID)
		return err
	})
}
