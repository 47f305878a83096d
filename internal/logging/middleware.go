package logging

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/agentsync/hub/internal/id"
)

// HTTPMiddleware returns an http.Handler that logs every request with
// method, path, status code, duration, and a generated request id.
// Deeper layers (the auth middleware, individual handlers) enrich the
// same log line via AppendAttrs instead of emitting their own lines,
// so e.g. a namespace mismatch shows up on the line that reports the
// 403 rather than a separate one.
func HTTPMiddleware(next http.Handler) http.Handler {
	logger := slog.With("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := id.Generate()
		ctx := WithScope(r.Context())
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r.WithContext(ctx))

		attrs := []any{
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start),
		}
		attrs = append(attrs, scopedAttrs(ctx)...)
		logger.Debug("request", attrs...)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController and middleware that need the
// underlying ResponseWriter (e.g. for Flush, Hijack).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
