package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type contextKey string

// StartTimeKey stores the request start time for latency calculation.
const StartTimeKey contextKey = "start_time"

// Logging logs every request with its host, status and latency. Server
// errors log at error level and client errors at warn level; upgraded
// connections log when the handler returns, which is when the socket closes.
//
// Example output (text):
//
//	level=INFO msg="request completed" method=GET host=shop.local path=/ status=200 latency_ms=12 request_id=...
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			ctx := context.WithValue(r.Context(), StartTimeKey, startTime)

			rw := NewResponseWriter(w)

			logger.DebugContext(ctx, "request started",
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)

			next.ServeHTTP(rw, r.WithContext(ctx))

			level := slog.LevelInfo
			switch {
			case rw.statusCode >= 500:
				level = slog.LevelError
			case rw.statusCode >= 400:
				level = slog.LevelWarn
			}

			msg := "request completed"
			if rw.hijacked {
				msg = "connection closed"
			}

			logger.Log(ctx, level, msg,
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"bytes", rw.bytes,
				"latency_ms", time.Since(startTime).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// GetStartTime extracts the request start time from the context.
// Returns zero time if not found.
func GetStartTime(ctx context.Context) time.Time {
	if startTime, ok := ctx.Value(StartTimeKey).(time.Time); ok {
		return startTime
	}
	return time.Time{}
}
