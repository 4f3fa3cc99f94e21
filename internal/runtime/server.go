// Package runtime wires the careassist collaborators together and serves
// them over HTTP.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/szaher/careassist/internal/auth"
	"github.com/szaher/careassist/internal/chat"
	"github.com/szaher/careassist/internal/clinical"
	"github.com/szaher/careassist/internal/patient"
	"github.com/szaher/careassist/internal/telemetry"
	"github.com/szaher/careassist/internal/thread"
)

// Version is reported by /healthz. Overridden at build time.
var Version = "dev"

const maxBodyBytes = 1 << 20

// ChatService runs chat turns.
type ChatService interface {
	HandleStream(ctx context.Context, id thread.ID, text string, onFragment func(string)) (chat.Reply, error)
}

// PatientRegistry registers and authenticates patients.
type PatientRegistry interface {
	Register(ctx context.Context, req patient.RegisterRequest) (patient.User, error)
	Authenticate(ctx context.Context, email, password string) (patient.User, error)
}

// Server is the careassist HTTP API.
type Server struct {
	mux       *http.ServeMux
	mu        sync.Mutex
	server    *http.Server
	closed    bool
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	startTime time.Time

	chat     ChatService
	threads  thread.Store
	patients PatientRegistry
	clinical *clinical.Service

	apiKey      string
	noAuth      bool
	corsOrigins []string
	rateLimit   *auth.RateLimitConfig
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithChat enables the chat endpoints. Without it chat runs in unavailable
// mode.
func WithChat(c ChatService) ServerOption {
	return func(s *Server) { s.chat = c }
}

// WithThreads serves thread listings from store.
func WithThreads(store thread.Store) ServerOption {
	return func(s *Server) { s.threads = store }
}

// WithPatients enables /auth/register and /auth/login.
func WithPatients(p PatientRegistry) ServerOption {
	return func(s *Server) { s.patients = p }
}

// WithClinical enables the prediction endpoints.
func WithClinical(c *clinical.Service) ServerOption {
	return func(s *Server) { s.clinical = c }
}

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithNoAuth disables authentication.
func WithNoAuth(v bool) ServerOption {
	return func(s *Server) { s.noAuth = v }
}

// WithCORSOrigins sets the browser origin allow-list.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimit enables per-client request limiting.
func WithRateLimit(cfg auth.RateLimitConfig) ServerOption {
	return func(s *Server) { s.rateLimit = &cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics sink and exposes it on /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the HTTP API.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clinical == nil {
		s.clinical = clinical.NewService(nil, clinical.WithServiceLogger(s.logger))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /health", s.handleHealthz)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /threads", s.handleListThreads)
	mux.HandleFunc("GET /v1/threads", s.handleListThreads)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleGetThread)
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /health-risk/predict", s.handleHealthRisk)
	mux.HandleFunc("POST /depression/assess", s.handleDepression)
	mux.HandleFunc("POST /pneumonia/detect", s.handlePneumonia)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = auth.Middleware(s.apiKey,
		auth.Disabled(s.noAuth),
		auth.WithSkipPaths("/", "/healthz", "/health", "/metrics"),
		auth.WithFailureLimiter(auth.NewRateLimiter(auth.DefaultRateLimitConfig())),
		auth.WithAuthMetrics(s.metrics),
	)(h)
	if s.rateLimit != nil {
		rl := auth.NewRateLimiter(*s.rateLimit, auth.WithRateLimitMetrics(s.metrics))
		h = rl.Middleware(auth.ClientIPKeyFunc)(h)
	}
	if len(s.corsOrigins) > 0 {
		h = auth.CORS(s.corsOrigins)(h)
	}
	h = s.instrument(h)
	return correlate(h)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("careassist server starting", "addr", addr,
		"chat", s.chat != nil, "patients", s.patients != nil, "clinical", s.clinical.Available())
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server. A server shut down before it started
// never starts.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Smart Healthcare API",
		"version": Version,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"uptime":  time.Since(s.startTime).String(),
		"version": Version,
		"capabilities": map[string]bool{
			"chat":     s.chat != nil,
			"patients": s.patients != nil,
			"clinical": s.clinical.Available(),
		},
	})
}

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

type chatResponse struct {
	ThreadID thread.ID `json:"thread_id"`
	Reply    string    `json:"assistant"`
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message must not be empty")
		return req, false
	}
	if req.ThreadID != "" {
		if _, err := thread.ParseID(req.ThreadID); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return req, false
		}
	}
	return req, true
}

// unavailableReply is served when the chat collaborators failed to start.
func unavailableReply(id string) chatResponse {
	tid := thread.ID(id)
	if tid == "" {
		tid = thread.NewID()
	}
	return chatResponse{ThreadID: tid, Reply: chat.UnavailableMessage}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	if s.chat == nil {
		writeJSON(w, http.StatusOK, unavailableReply(req.ThreadID))
		return
	}

	reply, err := s.chat.HandleStream(r.Context(), thread.ID(req.ThreadID), req.Message, nil)
	if err != nil {
		status, code := chatErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{ThreadID: reply.ThreadID, Reply: reply.Text})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Streaming not supported")
		return
	}

	if s.chat == nil {
		resp := unavailableReply(req.ThreadID)
		_ = sse.WriteToken(resp.Reply)
		_ = sse.WriteDone(resp)
		return
	}

	reply, err := s.chat.HandleStream(r.Context(), thread.ID(req.ThreadID), req.Message, func(fragment string) {
		_ = sse.WriteToken(fragment)
	})
	if err != nil {
		_, code := chatErrorStatus(err)
		_ = sse.WriteError(code, err.Error())
		return
	}
	_ = sse.WriteDone(chatResponse{ThreadID: reply.ThreadID, Reply: reply.Text})
}

func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, chat.ErrGenerationFailed):
		return http.StatusInternalServerError, "generation_failed"
	case errors.Is(err, thread.ErrStoreUnavailable):
		return http.StatusInternalServerError, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	ids := []thread.ID{}
	if s.chat != nil && s.threads != nil {
		listed, err := s.threads.ListThreadIDs(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
			return
		}
		ids = append(ids, listed...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": ids})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id, err := thread.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if s.threads == nil {
		writeJSON(w, http.StatusOK, &thread.Thread{ID: id, Messages: []thread.Message{}})
		return
	}
	t, err := thread.Get(r.Context(), s.threads, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return
	}
	if t.Messages == nil {
		t.Messages = []thread.Message{}
	}
	writeJSON(w, http.StatusOK, t)
}

const registryUnavailable = "Database connection failed. Please ensure PostgreSQL is running."

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.patients == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", registryUnavailable)
		return
	}
	var req patient.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.patients.Register(r.Context(), req)
	if err != nil {
		s.writePatientError(w, r, err)
		return
	}
	s.writeSession(w, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.patients == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", registryUnavailable)
		return
	}
	var req patient.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.patients.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writePatientError(w, r, err)
		return
	}
	s.writeSession(w, user)
}

func (s *Server) writeSession(w http.ResponseWriter, user patient.User) {
	sess, err := patient.NewSession(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) writePatientError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, patient.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, patient.ErrEmailTaken):
		writeError(w, http.StatusBadRequest, "email_taken", "Email already registered")
	case errors.Is(err, patient.ErrPatientIDTaken):
		writeError(w, http.StatusBadRequest, "patient_id_taken", "Patient ID already exists")
	case errors.Is(err, patient.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid email or password")
	default:
		telemetry.RequestLogger(s.logger, r.Context(), "patient").Error("patient registry failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "patient registry failed")
	}
}

func (s *Server) handleHealthRisk(w http.ResponseWriter, r *http.Request) {
	var req clinical.HealthRiskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.clinical.PredictHealthRisk(r.Context(), req)
	if err != nil {
		writeClinicalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDepression(w http.ResponseWriter, r *http.Request) {
	var req clinical.DepressionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.clinical.AssessDepression(r.Context(), req)
	if err != nil {
		writeClinicalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePneumonia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, clinical.MaxImageBytes+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	res, err := s.clinical.DetectPneumonia(r.Context(), header.Header.Get("Content-Type"), file)
	if err != nil {
		writeClinicalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeClinicalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, clinical.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, clinical.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "prediction_failed", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
