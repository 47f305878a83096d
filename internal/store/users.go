package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentsync/hub/internal/id"
)

// User is a durable row from the users table.
type User struct {
	ID           string    `json:"id"`
	Namespace    string    `json:"namespace"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

const userColumns = `id, namespace, username, password_hash, is_admin, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Namespace, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user with an already-hashed password.
func (s *Store) CreateUser(ctx context.Context, namespace, username, passwordHash string, isAdmin bool) (*User, error) {
	var out *User
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO namespaces (id) VALUES (?)`, namespace); err != nil {
			return fmt.Errorf("ensure namespace: %w", err)
		}
		newID := id.Generate()
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, namespace, username, password_hash, is_admin, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, newID, namespace, username, passwordHash, isAdmin, now); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		out = &User{ID: newID, Namespace: namespace, Username: username, PasswordHash: passwordHash, IsAdmin: isAdmin, CreatedAt: now}
		return nil
	})
	return out, err
}

// GetUserByUsername looks up a user within a namespace.
func (s *Store) GetUserByUsername(ctx context.Context, namespace, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE namespace = ? AND username = ?`, namespace, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// GetUserByID looks up a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// CountUsers returns the total number of registered users, used to
// decide whether the hub still needs to bootstrap an admin account.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// Token is a durable bearer token row.
type Token struct {
	Token     string
	UserID    string
	Namespace string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CreateToken issues a new bearer token for a user.
func (s *Store) CreateToken(ctx context.Context, userID, namespace string, ttl time.Duration) (*Token, error) {
	var out *Token
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		tok := id.GenerateToken()
		now := time.Now().UTC()
		expiresAt := now.Add(ttl)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_tokens (token, user_id, namespace, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?)`, tok, userID, namespace, now, expiresAt); err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
		out = &Token{Token: tok, UserID: userID, Namespace: namespace, CreatedAt: now, ExpiresAt: expiresAt}
		return nil
	})
	return out, err
}

// GetUserByToken resolves a bearer token to its owning user, rejecting
// expired tokens.
func (s *Store) GetUserByToken(ctx context.Context, token string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.namespace, u.username, u.password_hash, u.is_admin, u.created_at
		FROM users u JOIN user_tokens t ON t.user_id = u.id
		WHERE t.token = ? AND t.expires_at > ?`, token, time.Now().UTC())
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// DeleteToken revokes a bearer token (logout).
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	return RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, token)
		return err
	})
}

// PushSubscription is a Web Push subscription registered by a client.
type PushSubscription struct {
	ID        string
	Namespace string
	UserID    string
	Endpoint  string
	KeysJSON  string
	CreatedAt time.Time
}

// CreatePushSubscription registers a new Web Push endpoint for a user.
func (s *Store) CreatePushSubscription(ctx context.Context, namespace, userID, endpoint, keysJSON string) (*PushSubscription, error) {
	var out *PushSubscription
	err := RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		newID := id.Generate()
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO push_subscriptions (id, namespace, user_id, endpoint, keys_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, newID, namespace, userID, endpoint, keysJSON, now); err != nil {
			return fmt.Errorf("insert push subscription: %w", err)
		}
		out = &PushSubscription{ID: newID, Namespace: namespace, UserID: userID, Endpoint: endpoint, KeysJSON: keysJSON, CreatedAt: now}
		return nil
	})
	return out, err
}

// ListPushSubscriptions returns a user's registered push endpoints.
func (s *Store) ListPushSubscriptions(ctx context.Context, userID string) ([]*PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, namespace, user_id, endpoint, keys_json, created_at FROM push_subscriptions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PushSubscription
	for rows.Next() {
		var p PushSubscription
		if err := rows.Scan(&p.ID, &p.Namespace, &p.UserID, &p.Endpoint, &p.KeysJSON, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeletePushSubscription removes a registered push endpoint.
func (s *Store) DeletePushSubscription(ctx context.Context, id string) error {
	return RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE id = ?`, id)
		return err
	})
}

// UserPreferences holds per-user display preferences that aren't
// scoped to any one session.
type UserPreferences struct {
	UserID         string
	SortPreference string
	UpdatedAt      time.Time
}

// SetSortPreference upserts a user's session-list sort preference.
func (s *Store) SetSortPreference(ctx context.Context, userID, sortPreference string) error {
	return RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_preferences (user_id, sort_preference, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET sort_preference = excluded.sort_preference, updated_at = excluded.updated_at`,
			userID, sortPreference, now)
		return err
	})
}

// GetUserPreferences returns a user's preferences, or a zero-value
// record with an empty sort preference if none have been set.
func (s *Store) GetUserPreferences(ctx context.Context, userID string) (*UserPreferences, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, sort_preference, updated_at FROM user_preferences WHERE user_id = ?`, userID)
	var p UserPreferences
	err := row.Scan(&p.UserID, &p.SortPreference, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &UserPreferences{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
