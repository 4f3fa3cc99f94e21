package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/szaher/careassist/internal/chat"
	"github.com/szaher/careassist/internal/clinical"
	"github.com/szaher/careassist/internal/llm"
	"github.com/szaher/careassist/internal/patient"
	"github.com/szaher/careassist/internal/retrieval"
	"github.com/szaher/careassist/internal/telemetry"
	"github.com/szaher/careassist/internal/testutil"
	"github.com/szaher/careassist/internal/thread"
)

type fixture struct {
	store *thread.MemoryStore
	mock  *llm.MockClient
	srv   *httptest.Server
}

func newFixture(t *testing.T, mock *llm.MockClient, opts ...ServerOption) *fixture {
	t.Helper()
	store := thread.NewMemoryStore()
	frags := retrieval.Static{{Text: "Influenza causes fever and cough.", Source: "flu.md", Score: 0.9}}
	applied := &Server{}
	for _, opt := range opts {
		opt(applied)
	}
	orch := chat.New(store, frags, chat.NewLLMGenerator(mock, "test-model"),
		chat.WithLogger(testutil.QuietLogger()),
		chat.WithMetrics(applied.metrics),
	)

	base := []ServerOption{
		WithLogger(testutil.QuietLogger()),
		WithNoAuth(true),
		WithChat(orch),
		WithThreads(store),
	}
	s := NewServer(append(base, opts...)...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{store: store, mock: mock, srv: srv}
}

func postJSON(t *testing.T, url string, body interface{}, headers ...string) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestChatConversation(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(
		llm.MockResponse{Chunks: []string{"Hello! How can I help you today?"}},
		llm.MockResponse{Chunks: []string{"Fever and cough."}},
	))

	resp := postJSON(t, f.srv.URL+"/chat", map[string]string{"message": "Hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	first := decode[chatResponse](t, resp)
	if first.ThreadID == "" || first.Reply != "Hello! How can I help you today?" {
		t.Fatalf("first reply = %+v", first)
	}

	resp = postJSON(t, f.srv.URL+"/v1/chat", map[string]string{"message": "flu symptoms?", "thread_id": string(first.ThreadID)})
	second := decode[chatResponse](t, resp)
	if second.ThreadID != first.ThreadID || second.Reply != "Fever and cough." {
		t.Fatalf("second reply = %+v", second)
	}

	list, _ := http.Get(f.srv.URL + "/threads")
	threads := decode[map[string][]string](t, list)
	if len(threads["threads"]) != 1 || threads["threads"][0] != string(first.ThreadID) {
		t.Errorf("threads = %v", threads)
	}

	detail, _ := http.Get(f.srv.URL + "/v1/threads/" + string(first.ThreadID))
	th := decode[thread.Thread](t, detail)
	if len(th.Messages) != 4 || th.Messages[3].Content != "Fever and cough." || th.Messages[2].Role != thread.RoleUser {
		t.Errorf("thread detail = %+v", th)
	}
}

func TestChatRejectsBadInput(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Content: "unused"}))

	tests := []struct {
		name string
		body string
	}{
		{"empty message", `{"message":""}`},
		{"blank message", `{"message":"   "}`},
		{"bad thread id", `{"message":"hi","thread_id":"a b"}`},
		{"malformed json", `{"message":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(f.srv.URL+"/chat", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			body := decode[map[string]string](t, resp)
			if body["error"] != "invalid_request" || body["message"] == "" {
				t.Errorf("envelope = %v", body)
			}
		})
	}

	ids, _ := f.store.ListThreadIDs(context.Background())
	if len(ids) != 0 {
		t.Errorf("rejected requests created threads: %v", ids)
	}
	if len(f.mock.Calls()) != 0 {
		t.Error("model called for rejected input")
	}
}

func TestChatGenerationFailure(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Error: errors.New("upstream 503")}))

	resp := postJSON(t, f.srv.URL+"/chat", map[string]string{"message": "flu?"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["error"] != "generation_failed" {
		t.Errorf("envelope = %v", body)
	}
	ids, _ := f.store.ListThreadIDs(context.Background())
	if len(ids) != 0 {
		t.Errorf("failed turn persisted threads: %v", ids)
	}
}

func TestChatUnavailable(t *testing.T) {
	s := NewServer(WithLogger(testutil.QuietLogger()), WithNoAuth(true))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/chat", map[string]string{"message": "hello", "thread_id": "thr_keep"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[chatResponse](t, resp)
	if got.ThreadID != "thr_keep" || got.Reply != chat.UnavailableMessage {
		t.Errorf("reply = %+v", got)
	}

	resp = postJSON(t, srv.URL+"/chat", map[string]string{"message": "hello"})
	fresh := decode[chatResponse](t, resp)
	if !strings.HasPrefix(string(fresh.ThreadID), "thr_") {
		t.Errorf("fresh id = %q", fresh.ThreadID)
	}

	list, _ := http.Get(srv.URL + "/threads")
	if body := decode[map[string][]string](t, list); body["threads"] == nil || len(body["threads"]) != 0 {
		t.Errorf("threads = %v, want empty list", body)
	}

	health, _ := http.Get(srv.URL + "/healthz")
	hz := decode[struct {
		Capabilities map[string]bool `json:"capabilities"`
	}](t, health)
	if hz.Capabilities["chat"] || hz.Capabilities["patients"] || hz.Capabilities["clinical"] {
		t.Errorf("capabilities = %v", hz.Capabilities)
	}
}

func TestChatStream(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Chunks: []string{"Fever", ", cough"}}))

	resp := postJSON(t, f.srv.URL+"/v1/chat/stream", map[string]string{"message": "flu?"})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)

	wantOrder := []string{
		"event: token\ndata: {\"content\":\"Fever\"}",
		"event: token\ndata: {\"content\":\", cough\"}",
		"event: done\ndata: {\"thread_id\":\"thr_",
		"\"assistant\":\"Fever, cough\"}",
	}
	pos := 0
	for _, want := range wantOrder {
		i := strings.Index(body[pos:], want)
		if i < 0 {
			t.Fatalf("stream missing %q after offset %d:\n%s", want, pos, body)
		}
		pos += i + len(want)
	}
}

func TestChatStreamError(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Chunks: []string{"partial"}, StreamError: errors.New("reset")}))

	resp := postJSON(t, f.srv.URL+"/v1/chat/stream", map[string]string{"message": "flu?"})
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(raw), "event: error\ndata: {\"error\":\"generation_failed\"") {
		t.Errorf("stream = %s", raw)
	}
	if strings.Contains(string(raw), "event: done") {
		t.Error("done event sent after failure")
	}
}

func TestGetThreadUnknownAndInvalid(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Content: "x"}))

	resp, _ := http.Get(f.srv.URL + "/v1/threads/thr_unknown")
	th := decode[map[string]interface{}](t, resp)
	if msgs, ok := th["messages"].([]interface{}); !ok || len(msgs) != 0 {
		t.Errorf("unknown thread = %v, want empty messages", th)
	}

	resp, _ = http.Get(f.srv.URL + "/v1/threads/bad%20id")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Content: "hi"}), WithNoAuth(false), WithAPIKey("secret"))

	resp := postJSON(t, f.srv.URL+"/chat", map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, f.srv.URL+"/chat", map[string]string{"message": "hello"}, "X-API-Key", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with key status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	for _, path := range []string{"/healthz", "/health", "/"} {
		health, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if health.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, health.StatusCode)
		}
		health.Body.Close()
	}
}

func TestHealthAliasAndRoot(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())

	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	hz := decode[struct {
		Status       string          `json:"status"`
		Capabilities map[string]bool `json:"capabilities"`
	}](t, resp)
	if hz.Status != "healthy" || !hz.Capabilities["chat"] {
		t.Errorf("/health = %+v", hz)
	}

	resp, _ = http.Get(f.srv.URL + "/")
	root := decode[map[string]string](t, resp)
	if root["message"] != "Smart Healthcare API" || root["version"] != Version {
		t.Errorf("/ = %v", root)
	}

	resp, _ = http.Get(f.srv.URL + "/no-such-route")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", resp.StatusCode)
	}
}

func TestCorrelationAndMetrics(t *testing.T) {
	m := telemetry.NewMetrics()
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Content: "hi"}), WithMetrics(m))

	resp := postJSON(t, f.srv.URL+"/chat", map[string]string{"message": "hello"}, telemetry.CorrelationHeader, "corr-42")
	resp.Body.Close()
	if got := resp.Header.Get(telemetry.CorrelationHeader); got != "corr-42" {
		t.Errorf("correlation header = %q", got)
	}

	metrics, _ := http.Get(f.srv.URL + "/metrics")
	raw, _ := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	for _, want := range []string{
		`careassist_http_requests_total{code="200",route="POST /chat"} 1`,
		`careassist_chat_turns_total{status="ok"} 1`,
	} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Content: "hi"}),
		WithNoAuth(false), WithAPIKey("secret"), WithCORSOrigins([]string{"http://localhost:5173"}))

	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/chat", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Errorf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}

// fakeRegistry is an in-memory PatientRegistry.
type fakeRegistry struct {
	mu    sync.Mutex
	users map[string]patient.RegisterRequest
	err   error
}

func (r *fakeRegistry) Register(_ context.Context, req patient.RegisterRequest) (patient.User, error) {
	if r.err != nil {
		return patient.User{}, r.err
	}
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return patient.User{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[req.Email]; ok {
		return patient.User{}, patient.ErrEmailTaken
	}
	r.users[req.Email] = req
	return patient.User{ID: req.PatientID, PatientID: req.PatientID, Email: req.Email, Role: patient.RoleName}, nil
}

func (r *fakeRegistry) Authenticate(_ context.Context, email, password string) (patient.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[email]
	if !ok || u.Password != password {
		return patient.User{}, patient.ErrInvalidCredentials
	}
	return patient.User{ID: u.PatientID, Email: u.Email, Role: patient.RoleName}, nil
}

func TestPatientEndpoints(t *testing.T) {
	reg := &fakeRegistry{users: map[string]patient.RegisterRequest{}}
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Content: "x"}), WithPatients(reg))

	form := map[string]string{
		"firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.com",
		"patientId": "1001", "password": "pw",
	}
	resp := postJSON(t, f.srv.URL+"/auth/register", form)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	sess := decode[patient.Session](t, resp)
	if sess.Token == "" || sess.RefreshToken == "" || sess.User.Email != "ada@example.com" {
		t.Errorf("session = %+v", sess)
	}

	resp = postJSON(t, f.srv.URL+"/auth/register", form)
	if body := decode[map[string]string](t, resp); resp.StatusCode != http.StatusBadRequest || body["message"] != "Email already registered" {
		t.Errorf("duplicate = %d %v", resp.StatusCode, body)
	}

	resp = postJSON(t, f.srv.URL+"/auth/register", map[string]string{"email": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid register status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, f.srv.URL+"/auth/login", map[string]string{"email": "ada@example.com", "password": "pw"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("login status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, f.srv.URL+"/auth/login", map[string]string{"email": "ada@example.com", "password": "nope"})
	if body := decode[map[string]string](t, resp); resp.StatusCode != http.StatusUnauthorized || body["message"] != "Invalid email or password" {
		t.Errorf("bad login = %d %v", resp.StatusCode, body)
	}

	reg.err = errors.New("connection refused")
	resp = postJSON(t, f.srv.URL+"/auth/register", form)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("registry failure status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPatientEndpointsUnavailable(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Content: "x"}))
	resp := postJSON(t, f.srv.URL+"/auth/login", map[string]string{"email": "a@b.c", "password": "pw"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestClinicalEndpoints(t *testing.T) {
	scorer := clinical.ScorerFunc(func(_ context.Context, model string, _ any) (float64, error) {
		switch model {
		case "depression":
			return 0.5, nil
		case "pneumonia":
			return 0.1, nil
		}
		return 1, nil
	})
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Content: "x"}), WithClinical(clinical.NewService(scorer)))

	resp := postJSON(t, f.srv.URL+"/depression/assess", map[string]interface{}{
		"gender": "Female", "age": 22, "profession": "Student", "sleep": 6, "dietary": "Healthy",
		"succide": "No", "work_hours": 8, "financial": 3, "family": "No", "pressure": 4, "satisfaction": 2,
	})
	dep := decode[clinical.DepressionResult](t, resp)
	if dep.RiskStatus != "High Risk" || dep.Probability != 0.5 {
		t.Errorf("depression = %+v", dep)
	}

	resp = postJSON(t, f.srv.URL+"/health-risk/predict", map[string]interface{}{"age": 50, "bmi": 31.2, "smoking": 1})
	hr := decode[clinical.HealthRiskResult](t, resp)
	if hr.RiskPrediction != 1 || hr.RiskStatus != "High Risk" {
		t.Errorf("health risk = %+v", hr)
	}

	resp = postJSON(t, f.srv.URL+"/health-risk/predict", map[string]interface{}{"age": 50, "smoking": 3})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid health risk status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	var img bytes.Buffer
	_ = png.Encode(&img, image.NewGray(image.Rect(0, 0, 20, 20)))
	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="xray.png"`)
	h.Set("Content-Type", "image/png")
	part, _ := mw.CreatePart(h)
	_, _ = part.Write(img.Bytes())
	_ = mw.Close()

	resp, err := http.Post(f.srv.URL+"/pneumonia/detect", mw.FormDataContentType(), &form)
	if err != nil {
		t.Fatal(err)
	}
	pn := decode[clinical.PneumoniaResult](t, resp)
	if pn.Label != "Normal" || pn.Probability != 0.1 {
		t.Errorf("pneumonia = %+v", pn)
	}
}

func TestClinicalUnavailable(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Content: "x"}))
	resp := postJSON(t, f.srv.URL+"/depression/assess", map[string]interface{}{
		"gender": "Female", "age": 22, "profession": "Student", "sleep": 6, "dietary": "Healthy",
		"succide": "No", "work_hours": 8, "financial": 3, "family": "No", "pressure": 4, "satisfaction": 2,
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
}
