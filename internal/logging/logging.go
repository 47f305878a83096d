// Package logging provides structured logging setup with colored
// terminal output (via tint) and runtime-adjustable log levels, plus a
// request-scoped attribute bag the HTTP middleware and the auth layer
// both write into so one access-log line carries the request id and
// namespace together.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the global atomic log level. It can be changed at runtime
// without restarting the process.
var Level = new(slog.LevelVar) // default: INFO

// Setup initializes the global slog logger. When stderr is a TTY it
// uses tint for colored output; otherwise it falls back to JSON for
// structured log aggregation.
func Setup() {
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: Level,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// ParseLevel converts a string like "debug", "info", "warn", "error"
// to the corresponding slog.Level. It is case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}

type scopeKey struct{}

// scope accumulates attrs contributed while a single request is in
// flight, so the one access-log line the middleware writes at the end
// carries everything: the auth layer adds namespace/user, a handler
// can add sessionId, and so on.
type scope struct {
	mu    sync.Mutex
	attrs []any
}

// WithScope attaches a fresh attribute bag to ctx. The HTTP middleware
// calls this once per inbound request, before routing.
func WithScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, &scope{})
}

// AppendAttrs records key/value pairs to include in the request's
// access log line. A no-op if ctx carries no scope, e.g. a test
// calling a handler directly.
func AppendAttrs(ctx context.Context, attrs ...any) {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return
	}
	s.mu.Lock()
	s.attrs = append(s.attrs, attrs...)
	s.mu.Unlock()
}

func scopedAttrs(ctx context.Context) []any {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.attrs...)
}
