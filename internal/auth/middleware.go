package auth

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/szaher/careassist/internal/telemetry"
)

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	disabled  bool
	skipPaths map[string]bool
	limiter   *RateLimiter
	metrics   *telemetry.Metrics
}

// Disabled lets every request through. Used for local development.
func Disabled(v bool) MiddlewareOption {
	return func(c *middlewareConfig) { c.disabled = v }
}

// WithSkipPaths exempts exact paths such as /healthz from authentication.
func WithSkipPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		for _, p := range paths {
			c.skipPaths[p] = true
		}
	}
}

// WithFailureLimiter tracks failed attempts per client and blocks clients
// after repeated failures (10 failures/min, 5-min block).
func WithFailureLimiter(rl *RateLimiter) MiddlewareOption {
	return func(c *middlewareConfig) { c.limiter = rl }
}

// WithAuthMetrics counts rejected requests.
func WithAuthMetrics(m *telemetry.Metrics) MiddlewareOption {
	return func(c *middlewareConfig) { c.metrics = m }
}

// Middleware returns an HTTP middleware that validates API key
// authentication. The key is read from a Bearer token or the X-API-Key
// header. CORS preflight requests pass through unauthenticated.
func Middleware(apiKey string, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{skipPaths: map[string]bool{}}
	for _, opt := range opts {
		opt(cfg)
	}
	rl := cfg.limiter

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.disabled || cfg.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := ClientIPKeyFunc(r)
			if rl != nil && rl.IsAuthBlocked(clientIP) {
				w.Header().Set("Retry-After", strconv.Itoa(rl.AuthBlockRetryAfter(clientIP)))
				writeAuthError(w, http.StatusTooManyRequests, "Too many failed authentication attempts. Try again later.")
				return
			}

			// No API key configured: reject all
			if apiKey == "" {
				writeAuthError(w, http.StatusUnauthorized, "API key not configured")
				return
			}

			fail := func(msg string) {
				if rl != nil {
					rl.AuthFailure(clientIP)
				}
				cfg.metrics.RecordAuthFailure()
				writeAuthError(w, http.StatusUnauthorized, msg)
			}

			key, ok := ExtractKey(r)
			switch {
			case !ok:
				fail("missing Authorization or X-API-Key header")
				return
			case key == "":
				fail("invalid Authorization format, expected 'Bearer <key>'")
				return
			case !ValidateKey(key, apiKey):
				fail("invalid API key")
				return
			}

			if rl != nil {
				rl.AuthSuccess(clientIP)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
