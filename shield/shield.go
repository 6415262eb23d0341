// Package shield provides the HTTP guard middleware of the intake daemon and
// the per-client rate limiters used at upload admission.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(maxUploadBytes) {
//	    r.Use(mw)
//	}
//	r.Use(shield.NewRateLimiter(shield.RateLimitConfig{MaxRequests: 600, Window: time.Minute}).Middleware)
package shield

import (
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the standard middleware stack for the JSON API.
// Order: HeadToGet, SecurityHeaders, MaxBody, TraceID.
func DefaultAPIStack(maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		TraceID,
	}
}
