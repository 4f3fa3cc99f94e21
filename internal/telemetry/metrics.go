// Package telemetry provides logging and metrics for the careassist server.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn and append outcomes used as label values.
const (
	StatusOK          = "ok"
	StatusInvalid     = "invalid"
	StatusGenFailed   = "generation_failed"
	StatusStoreFailed = "store_failed"
	StatusUnavailable = "unavailable"
)

// Metrics owns a private Prometheus registry so tests and multiple servers
// in one process never collide on the default registerer.
//
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal   *prometheus.CounterVec
	turnDuration prometheus.Histogram
	fragments    prometheus.Histogram
	appendsTotal *prometheus.CounterVec
	tokensTotal  *prometheus.CounterVec
	predictions  *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	authFailures prometheus.Counter
	rateLimited  prometheus.Counter
}

// NewMetrics creates a collector set registered on a fresh registry,
// including the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careassist_chat_turns_total",
			Help: "Chat turns handled, by outcome.",
		}, []string{"status"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "careassist_chat_turn_duration_seconds",
			Help:    "Wall time of a chat turn from lock acquisition to final append.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		fragments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "careassist_retrieval_fragments",
			Help:    "Context fragments returned per retrieval.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		appendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careassist_thread_appends_total",
			Help: "Thread store appends, by result.",
		}, []string{"result"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careassist_llm_tokens_total",
			Help: "Tokens reported by the model provider.",
		}, []string{"type"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careassist_predictions_total",
			Help: "Clinical predictions served, by model and label.",
		}, []string{"model", "label"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careassist_http_requests_total",
			Help: "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careassist_auth_failures_total",
			Help: "Requests rejected for a missing or wrong API key.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careassist_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turnsTotal, m.turnDuration, m.fragments, m.appendsTotal,
		m.tokensTotal, m.predictions, m.httpRequests, m.authFailures, m.rateLimited,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordTurn records a finished chat turn.
func (m *Metrics) RecordTurn(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(status).Inc()
	if status == StatusOK {
		m.turnDuration.Observe(duration.Seconds())
	}
}

// RecordFragments records how many fragments a retrieval returned.
func (m *Metrics) RecordFragments(n int) {
	if m == nil {
		return
	}
	m.fragments.Observe(float64(n))
}

// RecordAppend records a thread store append.
func (m *Metrics) RecordAppend(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.appendsTotal.WithLabelValues(result).Inc()
}

// RecordTokens adds provider-reported token usage.
func (m *Metrics) RecordTokens(input, output int) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues("input").Add(float64(input))
	m.tokensTotal.WithLabelValues("output").Add(float64(output))
}

// RecordPrediction records a served clinical prediction.
func (m *Metrics) RecordPrediction(model, label string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(model, label).Inc()
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// RecordAuthFailure counts a rejected API key.
func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// RecordRateLimited counts a throttled request.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
