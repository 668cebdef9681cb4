// Package middleware provides HTTP middleware for the import API.
package middleware

import (
	"net/http"
	"time"

	"github.com/JonMunkholm/catalogimport/internal/logging"
)

// Logger logs one structured entry per request. It runs after chi's
// RequestID so every entry carries the request id.
//
// Log fields:
//   - method, path, status
//   - bytes: response body size
//   - duration_ms: time spent in the handler chain
//   - ip: client address as resolved by TrustedRealIP
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		level := logging.FromContext(r.Context()).Info
		if ww.status >= http.StatusInternalServerError {
			level = logging.FromContext(r.Context()).Error
		}
		level("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"bytes", ww.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", ClientIP(r),
		)
	})
}

// responseWriter captures the status code and body size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
