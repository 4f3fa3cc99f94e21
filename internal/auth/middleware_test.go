package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/szaher/careassist/internal/telemetry"
)

// okHandler is a simple handler that writes 200 OK with body "ok".
func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestMiddleware(t *testing.T) {
	const apiKey = "test-api-key"

	tests := []struct {
		name    string
		opts    []MiddlewareOption
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"valid Bearer token", nil, http.MethodPost, "/chat", map[string]string{"Authorization": "Bearer " + apiKey}, http.StatusOK},
		{"valid X-API-Key", nil, http.MethodPost, "/chat", map[string]string{"X-API-Key": apiKey}, http.StatusOK},
		{"invalid Bearer token", nil, http.MethodPost, "/chat", map[string]string{"Authorization": "Bearer wrong"}, http.StatusUnauthorized},
		{"wrong scheme", nil, http.MethodPost, "/chat", map[string]string{"Authorization": "Token " + apiKey}, http.StatusUnauthorized},
		{"missing credentials", nil, http.MethodPost, "/chat", nil, http.StatusUnauthorized},
		{"disabled passes through", []MiddlewareOption{Disabled(true)}, http.MethodPost, "/chat", nil, http.StatusOK},
		{"skip path", []MiddlewareOption{WithSkipPaths("/healthz")}, http.MethodGet, "/healthz", nil, http.StatusOK},
		{"skip path is exact", []MiddlewareOption{WithSkipPaths("/healthz")}, http.MethodGet, "/healthz/deep", nil, http.StatusUnauthorized},
		{"preflight passes through", nil, http.MethodOptions, "/chat", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Middleware(apiKey, tt.opts...)(okHandler())
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMiddlewareErrorEnvelope(t *testing.T) {
	handler := Middleware("k")(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/threads", nil))

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "Unauthorized" || body["message"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestMiddlewareNoKeyConfigured(t *testing.T) {
	handler := Middleware("")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/threads", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareBlocksRepeatedFailures(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())
	m := telemetry.NewMetrics()
	handler := Middleware("secret", WithFailureLimiter(rl), WithAuthMetrics(m))(okHandler())

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/threads", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		req.Header.Set("Authorization", "Bearer "+key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < authMaxFailures; i++ {
		if rec := send("wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, rec.Code)
		}
	}

	rec := send("secret")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status after block = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if got := counterValue(t, m, "careassist_auth_failures_total"); got != authMaxFailures {
		t.Errorf("auth failures counter = %v, want %d", got, authMaxFailures)
	}
}

func TestClientIPKeyFunc(t *testing.T) {
	t.Run("with X-Forwarded-For returns first IP", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18, 150.172.238.178")

		got := ClientIPKeyFunc(req)
		if got != "203.0.113.50" {
			t.Errorf("ClientIPKeyFunc() = %q, want %q", got, "203.0.113.50")
		}
	})

	t.Run("without X-Forwarded-For returns RemoteAddr host", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"

		got := ClientIPKeyFunc(req)
		if got != "192.168.1.1" {
			t.Errorf("ClientIPKeyFunc() = %q, want %q", got, "192.168.1.1")
		}
	})
}
