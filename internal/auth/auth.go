// Package auth resolves bearer tokens to authenticated users and
// issues new tokens on login, grounded on the teacher's auth package
// but adapted to this hub's namespace model in place of the teacher's
// organizations and to apperr in place of connect.Code errors, since
// this hub exposes plain HTTP/JSON rather than ConnectRPC.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentsync/hub/internal/apperr"
	"github.com/agentsync/hub/internal/store"
)

type contextKey int

const userKey contextKey = iota

// UserInfo is the authenticated identity attached to a request
// context.
type UserInfo struct {
	ID        string
	Namespace string
	Username  string
	IsAdmin   bool
}

// WithUser stores UserInfo in the context.
func WithUser(ctx context.Context, u *UserInfo) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUser retrieves UserInfo from the context, or nil if unauthenticated.
func GetUser(ctx context.Context) *UserInfo {
	u, _ := ctx.Value(userKey).(*UserInfo)
	return u
}

// MustGetUser retrieves UserInfo from the context, erroring if absent.
func MustGetUser(ctx context.Context) (*UserInfo, error) {
	u := GetUser(ctx)
	if u == nil {
		return nil, apperr.Unauthenticated("not authenticated")
	}
	return u, nil
}

const tokenTTL = 24 * time.Hour

// Login validates credentials and issues a new bearer token.
func Login(ctx context.Context, st *store.Store, namespace, username, password string) (string, *UserInfo, error) {
	user, err := st.GetUserByUsername(ctx, namespace, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, apperr.Unauthenticated("invalid credentials")
		}
		return "", nil, fmt.Errorf("query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, apperr.Unauthenticated("invalid credentials")
	}

	tok, err := st.CreateToken(ctx, user.ID, namespace, tokenTTL)
	if err != nil {
		return "", nil, fmt.Errorf("create token: %w", err)
	}

	return tok.Token, &UserInfo{ID: user.ID, Namespace: user.Namespace, Username: user.Username, IsAdmin: user.IsAdmin}, nil
}

// ValidateToken resolves a bearer token to a UserInfo, rejecting
// invalid or expired tokens.
func ValidateToken(ctx context.Context, st *store.Store, token string) (*UserInfo, error) {
	user, err := st.GetUserByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Unauthenticated("invalid or expired token")
		}
		return nil, fmt.Errorf("query token: %w", err)
	}
	return &UserInfo{ID: user.ID, Namespace: user.Namespace, Username: user.Username, IsAdmin: user.IsAdmin}, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// EnsureBootstrapAdmin creates a default admin user in namespace if no
// users exist yet anywhere in the hub, so a fresh deployment has a way
// in. A pre-existing user of any namespace skips bootstrap.
func EnsureBootstrapAdmin(ctx context.Context, st *store.Store, namespace, username, password string) error {
	count, err := st.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	_, err = st.CreateUser(ctx, namespace, username, hash, true)
	return err
}

// TokenFromHeader extracts a Bearer token from an Authorization header.
func TokenFromHeader(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return ""
}
