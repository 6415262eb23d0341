package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/intake/kit"
)

// TraceID generates a random trace ID for each request and stores it in the
// context (kit.TraceIDKey), the X-Trace-ID response header and a
// per-request logger (LoggerKey). An incoming X-Request-ID is kept as the
// request id.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := make([]byte, 4)
		rand.Read(id)
		traceID := hex.EncodeToString(id)

		ctx := kit.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)

		attrs := []any{
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		}
		if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
			ctx = kit.WithRequestID(ctx, reqID)
			attrs = append(attrs, "request_id", reqID)
		}
		logger := slog.Default().With(attrs...)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger returns the per-request logger, or slog.Default() outside a
// traced request.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
