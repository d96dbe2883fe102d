package logging

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
)

// RequestIDMiddleware tags each request with an id (taken from X-Request-ID
// when the client sent one) and logs its outcome.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		DebugContext(ctx, "request started",
			"method", r.Method,
			"path", r.URL.Path,
			"remoteAddr", r.RemoteAddr,
		)

		// httpsnoop keeps Flusher and Hijacker available for SSE and
		// websocket upgrades.
		m := httpsnoop.CaptureMetrics(next, w, r)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"durationMs", m.Duration.Milliseconds(),
		}
		switch {
		case m.Code >= 500:
			ErrorContext(ctx, "request failed", args...)
		case m.Code >= 400:
			WarnContext(ctx, "request rejected", args...)
		default:
			InfoContext(ctx, "request completed", args...)
		}
	})
}
