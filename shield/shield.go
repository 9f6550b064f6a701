// Package shield provides the HTTP middleware stack in front of the
// pricewatch API: security headers, request body limits, a per-request
// trace id with a scoped logger, and token-bucket rate limiting.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(rl) {
//	    r.Use(mw)
//	}
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns SecurityHeaders → MaxBody(1MiB) → TraceID → rl.
// rl may be nil to skip rate limiting.
func DefaultAPIStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(1 << 20),
		TraceID,
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}
