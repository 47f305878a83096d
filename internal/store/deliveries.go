package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentsync/hub/internal/id"
)

// PendingDelivery is a durable row queued for a machine that was
// offline when the hub tried to push it something, grounded on the
// teacher's worker_notifications queue.
type PendingDelivery struct {
	ID          string          `json:"id"`
	Namespace   string          `json:"namespace"`
	MachineID   string          `json:"machineId"`
	SessionID   string          `json:"sessionId,omitempty"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// CreatePendingDelivery persists a delivery for machineID to pick up
// the next time it connects.
func (s *Store) CreatePendingDelivery(ctx context.Context, namespace, machineID, sessionID, kind string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_deliveries (id, namespace, machine_id, session_id, kind, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id.Generate(), namespace, machineID, nullableString(sessionID), kind, string(payload))
	return err
}

// ListUndeliveredForMachine returns every not-yet-delivered row queued
// for machineID, oldest first.
func (s *Store) ListUndeliveredForMachine(ctx context.Context, machineID string) ([]*PendingDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, machine_id, COALESCE(session_id, ''), kind, payload, attempts, max_attempts, created_at
		FROM pending_deliveries
		WHERE machine_id = ? AND delivered = 0
		ORDER BY created_at ASC`, machineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingDelivery
	for rows.Next() {
		var d PendingDelivery
		var payload string
		if err := rows.Scan(&d.ID, &d.Namespace, &d.MachineID, &d.SessionID, &d.Kind, &payload, &d.Attempts, &d.MaxAttempts, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Payload = json.RawMessage(payload)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// IncrementDeliveryAttempts records another delivery attempt for id.
func (s *Store) IncrementDeliveryAttempts(ctx context.Context, deliveryID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pending_deliveries SET attempts = attempts + 1 WHERE id = ?`, deliveryID)
	return err
}

// MarkDeliveryDelivered flags id as delivered so it's no longer
// returned by ListUndeliveredForMachine.
func (s *Store) MarkDeliveryDelivered(ctx context.Context, deliveryID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pending_deliveries SET delivered = 1 WHERE id = ?`, deliveryID)
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
