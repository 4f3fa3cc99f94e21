package runtime

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szaher/careassist/internal/config"
	"github.com/szaher/careassist/internal/llm"
	"github.com/szaher/careassist/internal/telemetry"
	"github.com/szaher/careassist/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = config.StoreMemory
	cfg.Retriever.Kind = config.RetrieverNone
	cfg.Server.NoAuth = true
	return cfg
}

func TestNewBuildsChat(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "Rest and fluids."})
	rt, err := New(context.Background(), testConfig(t), Options{Logger: testutil.QuietLogger(), LLMClient: mock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Shutdown(context.Background())

	if rt.Orchestrator() == nil {
		t.Fatal("chat should be available")
	}
	reply, err := rt.Orchestrator().Handle(context.Background(), "", "I have the flu")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != "Rest and fluids." {
		t.Errorf("reply = %q", reply.Text)
	}

	calls := mock.Calls()
	if len(calls) != 1 || calls[0].Model != "mistralai/Mistral-7B-Instruct-v0.2" {
		t.Errorf("calls = %+v", calls)
	}
	if !strings.Contains(calls[0].System, "Dr. Spark") {
		t.Error("system prompt missing persona")
	}
}

func TestNewLogsChatSettings(t *testing.T) {
	tests := []struct {
		name    string
		turns   int
		history string
	}{
		{"history off", 0, `"history":"none"`},
		{"sliding window", 3, `"history":"sliding_window"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := testConfig(t)
			cfg.Chat.HistoryTurns = tt.turns
			mock := llm.NewMockClient()
			rt, err := New(context.Background(), cfg, Options{Logger: telemetry.NewLogger(&buf, slog.LevelInfo), LLMClient: mock})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer rt.Shutdown(context.Background())

			var line string
			for _, l := range strings.Split(buf.String(), "\n") {
				if strings.Contains(l, `"msg":"chat ready"`) {
					line = l
				}
			}
			if line == "" {
				t.Fatalf("no chat ready line in %s", buf.String())
			}
			for _, want := range []string{`"model":"mistralai/Mistral-7B-Instruct-v0.2"`, tt.history} {
				if !strings.Contains(line, want) {
					t.Errorf("chat ready line missing %s: %s", want, line)
				}
			}
		})
	}
}

func TestNewKeywordRetriever(t *testing.T) {
	dir := testutil.WriteFiles(t, map[string]string{
		"flu.md": "Influenza causes fever, cough and aching muscles.",
	})
	cfg := testConfig(t)
	cfg.Retriever.Kind = config.RetrieverKeyword
	cfg.Retriever.Dir = dir

	mock := llm.NewMockClient(llm.MockResponse{Content: "Fever and cough."})
	rt, err := New(context.Background(), cfg, Options{Logger: testutil.QuietLogger(), LLMClient: mock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Shutdown(context.Background())

	reply, err := rt.Orchestrator().Handle(context.Background(), "", "influenza fever")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(reply.Fragments) == 0 || reply.Fragments[0].Source != "flu.md" {
		t.Errorf("fragments = %+v", reply.Fragments)
	}
}

func TestNewMissingKnowledgeDirLeavesChatUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retriever.Kind = config.RetrieverKeyword
	cfg.Retriever.Dir = filepath.Join(t.TempDir(), "missing")

	rt, err := New(context.Background(), cfg, Options{Logger: testutil.QuietLogger(), LLMClient: llm.NewMockClient()})
	if err != nil {
		t.Fatalf("New should tolerate a retriever failure: %v", err)
	}
	defer rt.Shutdown(context.Background())

	if rt.Orchestrator() != nil {
		t.Error("chat should be unavailable")
	}
	if rt.Server() == nil || rt.Store() == nil {
		t.Error("server and store should still be built")
	}
}

func TestNewPebbleStoreFailureIsFatal(t *testing.T) {
	blocker := filepath.Join(testutil.WriteFiles(t, map[string]string{"file": "x"}), "file")
	cfg := testConfig(t)
	cfg.Store.Driver = config.StorePebble
	cfg.Store.Path = filepath.Join(blocker, "threads")

	_, err := New(context.Background(), cfg, Options{Logger: testutil.QuietLogger()})
	testutil.AssertErrorContains(t, err, "open thread store")
}

func TestRunServesUntilCancelled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	cfg := testConfig(t)
	cfg.Server.Addr = addr
	cfg.Server.ShutdownTimeout = 2 * time.Second
	rt, err := New(context.Background(), cfg, Options{Logger: testutil.QuietLogger(), LLMClient: llm.NewMockClient(llm.MockResponse{Content: "ok"})})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
