package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMiddleware returns an http.Handler that records HTTP request
// count and duration metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// normalizePath collapses opaque ids in a request path to ":id" so the
// path label doesn't grow unbounded with one series per session/machine.
func normalizePath(path string) string {
	if path == "/metrics" {
		return path
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// looksLikeID treats any sufficiently long alphanumeric segment as an
// opaque id rather than a route keyword.
func looksLikeID(seg string) bool {
	if len(seg) < 16 {
		return false
	}
	for _, r := range seg {
		if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') && r != '-' && r != '_' {
			return false
		}
	}
	return true
}
