package runtime

import (
	"net/http"
	"time"

	"github.com/szaher/careassist/internal/telemetry"
)

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// correlate attaches the caller's correlation id, or a fresh one, to the
// request context and echoes it in the response.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get(telemetry.CorrelationHeader))
		w.Header().Set(telemetry.CorrelationHeader, telemetry.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// instrument logs each request and counts it by route pattern. It must sit
// inside correlate and outside the mux so r.Pattern is visible afterwards.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordRequest(route, status)
		telemetry.RequestLogger(s.logger, r.Context(), "http").Debug("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
