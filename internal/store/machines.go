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

// Machine is a durable row from the machines table: one entry per
// runner host that has registered with the hub.
type Machine struct {
	ID                 string          `json:"id"`
	Namespace          string          `json:"namespace"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	Active             bool            `json:"active"`
	ActiveAt           *time.Time      `json:"activeAt,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	MetadataVersion    int64           `json:"metadataVersion"`
	RunnerState        json.RawMessage `json:"runnerState,omitempty"`
	RunnerStateVersion int64           `json:"runnerStateVersion"`
}

const machineColumns = `id, namespace, created_at, updated_at, active, active_at,
	metadata, metadata_codec, metadata_version, runner_state, runner_state_codec, runner_state_version`

func scanMachine(row interface{ Scan(...any) error }) (*Machine, error) {
	var m Machine
	var activeAt sql.NullTime
	var metadata, runnerState []byte
	var metadataCodec, runnerStateCodec contentcodec.Compression

	if err := row.Scan(
		&m.ID, &m.Namespace, &m.CreatedAt, &m.UpdatedAt, &m.Active, &activeAt,
		&metadata, &metadataCodec, &m.MetadataVersion,
		&runnerState, &runnerStateCodec, &m.RunnerStateVersion,
	); err != nil {
		return nil, err
	}
	if activeAt.Valid {
		v := activeAt.Time
		m.ActiveAt = &v
	}
	var err error
	if m.Metadata, err = decode(metadata, metadataCodec); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if m.RunnerState, err = decode(runnerState, runnerStateCodec); err != nil {
		return nil, fmt.Errorf("decode runner state: %w", err)
	}
	return &m, nil
}

// UpsertMachine registers a machine id the first time it's seen, or
// marks it active if already known. Returns the resulting row.
func (s *Store) UpsertMachine(ctx context.Context, namespace, machineID string, metadata json.RawMessage) (*Machine, error) {
	var out *Machine
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO namespaces (id) VALUES (?)`, namespace); err != nil {
			return fmt.Errorf("ensure namespace: %w", err)
		}
		existing, err := getMachineTx(ctx, tx, namespace, machineID)
		now := time.Now().UTC()
		if errors.Is(err, ErrNotFound) {
			newID := machineID
			if newID == "" {
				newID = id.Generate()
			}
			metaBlob, metaCodec := encode(metadata)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO machines (id, namespace, created_at, updated_at, active, active_at,
					metadata, metadata_codec, metadata_version)
				VALUES (?, ?, ?, ?, 1, ?, ?, ?, 1)`,
				newID, namespace, now, now, now, metaBlob, metaCodec); err != nil {
				return fmt.Errorf("insert machine: %w", err)
			}
			out, err = getMachineTx(ctx, tx, namespace, newID)
			return err
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE machines SET active = 1, active_at = ?, updated_at = ? WHERE namespace = ? AND id = ?`,
			now, now, namespace, existing.ID); err != nil {
			return err
		}
		out, err = getMachineTx(ctx, tx, namespace, existing.ID)
		return err
	})
	return out, err
}

func getMachineTx(ctx context.Context, tx *sql.Tx, namespace, machineID string) (*Machine, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE namespace = ? AND id = ?`, namespace, machineID)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// GetMachine fetches a machine by id within a namespace.
func (s *Store) GetMachine(ctx context.Context, namespace, machineID string) (*Machine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE namespace = ? AND id = ?`, namespace, machineID)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListMachines returns all machines in a namespace, most recently
// updated first.
func (s *Store) ListMachines(ctx context.Context, namespace string) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE namespace = ? ORDER BY updated_at DESC`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMachineActive marks a machine's liveness flag and timestamp.
func (s *Store) SetMachineActive(ctx context.Context, namespace, machineID string, active bool, at time.Time) error {
	return RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE machines SET active = ?, active_at = ?, updated_at = ? WHERE namespace = ? AND id = ?`,
			active, at, at, namespace, machineID)
		return err
	})
}

// UpdateMachineMetadata applies a version-checked metadata replace.
func (s *Store) UpdateMachineMetadata(ctx context.Context, namespace, machineID string, metadata json.RawMessage, expectedVersion int64) (UpdateStatus, *Machine, error) {
	status := UpdateSuccess
	var out *Machine
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := getMachineTx(ctx, tx, namespace, machineID)
		if err != nil {
			return err
		}
		if current.MetadataVersion != expectedVersion {
			status = UpdateVersionMismatch
			out = current
			return nil
		}
		blob, codec := encode(metadata)
		if _, err := tx.ExecContext(ctx, `
			UPDATE machines SET metadata = ?, metadata_codec = ?, metadata_version = metadata_version + 1, updated_at = ?
			WHERE namespace = ? AND id = ?`, blob, codec, time.Now().UTC(), namespace, machineID); err != nil {
			return err
		}
		out, err = getMachineTx(ctx, tx, namespace, machineID)
		return err
	})
	return status, out, err
}

// UpdateMachineRunnerState applies a version-checked runner-state
// replace, symmetric to UpdateMachineMetadata.
func (s *Store) UpdateMachineRunnerState(ctx context.Context, namespace, machineID string, state json.RawMessage, expectedVersion int64) (UpdateStatus, *Machine, error) {
	status := UpdateSuccess
	var out *Machine
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := getMachineTx(ctx, tx, namespace, machineID)
		if err != nil {
			return err
		}
		if current.RunnerStateVersion != expectedVersion {
			status = UpdateVersionMismatch
			out = current
			return nil
		}
		blob, codec := encode(state)
		if _, err := tx.ExecContext(ctx, `
			UPDATE machines SET runner_state = ?, runner_state_codec = ?, runner_state_version = runner_state_version + 1, updated_at = ?
			WHERE namespace = ? AND id = ?`, blob, codec, time.Now().UTC(), namespace, machineID); err != nil {
			return err
		}
		out, err = getMachineTx(ctx, tx, namespace, machineID)
		return err
	})
	return status, out, err
}
