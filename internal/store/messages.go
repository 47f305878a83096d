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

// Message is a single durable entry in a session's append-only log.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	LocalID   *string         `json:"localId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Content   json.RawMessage `json:"content"`
}

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var localID sql.NullString
	var content []byte
	var codec contentcodec.Compression

	if err := row.Scan(&m.ID, &m.SessionID, &m.Seq, &localID, &m.CreatedAt, &content, &codec); err != nil {
		return nil, err
	}
	if localID.Valid {
		v := localID.String
		m.LocalID = &v
	}
	var err error
	if m.Content, err = decode(content, codec); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return &m, nil
}

const messageColumns = `id, session_id, seq, local_id, created_at, content, content_codec`

// AddMessage appends a message to a session's log, assigning the next
// seq atomically with the session's seq counter. If localID is set and
// a message with that local id already exists for the session, the
// existing message is returned unchanged (idempotent retry). Returns
// ErrNotFound if sessionID doesn't exist or belongs to another
// namespace — callers distinguish the two with SessionExists if they
// need to surface 403 instead of 404.
func (s *Store) AddMessage(ctx context.Context, namespace, sessionID string, content json.RawMessage, localID *string) (*Message, error) {
	var out *Message
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		if localID != nil {
			row := tx.QueryRowContext(ctx, `
				SELECT `+messageColumns+` FROM messages
				WHERE session_id = ? AND local_id = ? AND EXISTS (
					SELECT 1 FROM sessions WHERE id = messages.session_id AND namespace = ?
				)`, sessionID, *localID, namespace)
			existing, err := scanMessage(row)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT seq FROM sessions WHERE id = ? AND namespace = ?`, sessionID, namespace).Scan(&seq); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		seq++

		newID := id.Generate()
		now := time.Now().UTC()
		blob, codec := encode(content)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, seq, local_id, created_at, content, content_codec)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, newID, sessionID, seq, localID, now, blob, codec); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET seq = ?, updated_at = ? WHERE id = ?`, seq, now, sessionID); err != nil {
			return fmt.Errorf("bump session seq: %w", err)
		}

		out = &Message{ID: newID, SessionID: sessionID, Seq: seq, LocalID: localID, CreatedAt: now, Content: content}
		return nil
	})
	return out, err
}

// GetMessages returns up to limit messages ending just before beforeSeq
// (exclusive), ordered oldest-to-newest — a backward page for history
// scrollback. beforeSeq of nil means "page ending at the most recent
// message". Only returns messages for a session in namespace; a
// sessionID from another namespace yields an empty page, not an error,
// matching the 403-at-the-session-lookup pattern — callers check
// session access separately before paging messages.
func (s *Store) GetMessages(ctx context.Context, namespace, sessionID string, limit int, beforeSeq *int64) ([]*Message, error) {
	var rows *sql.Rows
	var err error
	if beforeSeq != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT * FROM (
				SELECT `+messageColumns+` FROM messages
				WHERE session_id = ? AND seq < ? AND EXISTS (
					SELECT 1 FROM sessions WHERE id = messages.session_id AND namespace = ?
				)
				ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`, sessionID, *beforeSeq, namespace, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT * FROM (
				SELECT `+messageColumns+` FROM messages
				WHERE session_id = ? AND EXISTS (
					SELECT 1 FROM sessions WHERE id = messages.session_id AND namespace = ?
				)
				ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`, sessionID, namespace, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessagesAfter returns up to limit messages strictly after afterSeq,
// ordered oldest-to-newest — used to catch a subscriber up after a
// reconnect without redelivering what it already has.
func (s *Store) GetMessagesAfter(ctx context.Context, namespace, sessionID string, afterSeq int64, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND seq > ? AND EXISTS (
			SELECT 1 FROM sessions WHERE id = messages.session_id AND namespace = ?
		)
		ORDER BY seq ASC LIMIT ?`,
		sessionID, afterSeq, namespace, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
