package auth

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/szaher/careassist/internal/telemetry"
)

// RateLimitEnvVar overrides the request rate, formatted "rate:burst".
const RateLimitEnvVar = "CAREASSIST_RATE_LIMIT"

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimitConfig returns the default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// ParseRateLimit parses a "rate:burst" value such as "10:20" (10 req/s,
// burst 20). A bare rate keeps the default burst.
func ParseRateLimit(val string) (RateLimitConfig, error) {
	cfg := DefaultRateLimitConfig()

	parts := strings.SplitN(strings.TrimSpace(val), ":", 2)
	r, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || r <= 0 {
		return cfg, fmt.Errorf("rate limit %q: rate must be a positive number", val)
	}
	cfg.RequestsPerSecond = r
	if len(parts) > 1 {
		burst, err := strconv.Atoi(parts[1])
		if err != nil || burst <= 0 {
			return cfg, fmt.Errorf("rate limit %q: burst must be a positive integer", val)
		}
		cfg.Burst = burst
	}
	return cfg, nil
}

// RateLimiter implements per-client token bucket rate limiting and tracks
// failed authentication attempts.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	clients map[string]*client
	metrics *telemetry.Metrics

	authMu       sync.Mutex
	authFailures map[string]*authBucket
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// authBucket tracks failed authentication attempts per IP.
type authBucket struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

const (
	authMaxFailures   = 10
	authWindowDur     = 1 * time.Minute
	authBlockDur      = 5 * time.Minute
	authEvictInterval = 10 * time.Minute
	clientIdleTTL     = 10 * time.Minute
	maxTrackedClients = 1000
)

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimitMetrics counts throttled requests.
func WithRateLimitMetrics(m *telemetry.Metrics) RateLimiterOption {
	return func(rl *RateLimiter) { rl.metrics = m }
}

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		config:       config,
		clients:      make(map[string]*client),
		authFailures: make(map[string]*authBucket),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow checks if a request from the given key is allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := time.Now()
	c, ok := rl.clients[key]
	if !ok {
		if len(rl.clients) >= maxTrackedClients {
			rl.evictIdleClients(now)
		}
		c = &client{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictIdleClients(now time.Time) {
	for k, c := range rl.clients {
		if now.Sub(c.lastSeen) > clientIdleTTL {
			delete(rl.clients, k)
		}
	}
}

// IsAuthBlocked checks if an IP is blocked due to too many auth failures.
func (rl *RateLimiter) IsAuthBlocked(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return false
	}

	now := time.Now()
	if now.Before(b.blockedUntil) {
		return true
	}

	// block expired
	if !b.blockedUntil.IsZero() {
		delete(rl.authFailures, ip)
	}
	return false
}

// AuthBlockRetryAfter returns the number of seconds until the block expires.
func (rl *RateLimiter) AuthBlockRetryAfter(ip string) int {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return 0
	}
	remaining := time.Until(b.blockedUntil).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(remaining) + 1
}

// AuthFailure records a failed authentication attempt from an IP.
// Returns true if the IP is now blocked.
func (rl *RateLimiter) AuthFailure(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	now := time.Now()
	b, ok := rl.authFailures[ip]
	if !ok {
		b = &authBucket{windowStart: now}
		rl.authFailures[ip] = b
	}

	if now.Sub(b.windowStart) > authWindowDur {
		b.failures = 0
		b.windowStart = now
	}

	b.failures++

	if b.failures >= authMaxFailures {
		b.blockedUntil = now.Add(authBlockDur)
		return true
	}

	if len(rl.authFailures) > maxTrackedClients {
		rl.evictStaleAuthEntries(now)
	}

	return false
}

// AuthSuccess clears auth failure tracking for an IP.
func (rl *RateLimiter) AuthSuccess(ip string) {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()
	delete(rl.authFailures, ip)
}

func (rl *RateLimiter) evictStaleAuthEntries(now time.Time) {
	for ip, b := range rl.authFailures {
		if !b.blockedUntil.IsZero() && now.After(b.blockedUntil) {
			delete(rl.authFailures, ip)
		} else if now.Sub(b.windowStart) > authEvictInterval {
			delete(rl.authFailures, ip)
		}
	}
}

// Middleware returns HTTP middleware that applies rate limiting.
// The key function extracts a rate limit key from the request (e.g. client IP).
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(math.Max(1, math.Ceil(1.0/rl.config.RequestsPerSecond))))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !rl.Allow(key) {
				rl.metrics.RecordRateLimited()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = fmt.Fprint(w, `{"error":"rate_limited","message":"Rate limit exceeded. Try again later."}`)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKeyFunc extracts the client IP from the request for rate limiting.
func ClientIPKeyFunc(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.SplitN(forwarded, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
