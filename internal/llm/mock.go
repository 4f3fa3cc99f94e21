package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockResponse configures a single response from the mock client.
type MockResponse struct {
	Content    string
	StopReason StopReason
	Usage      TokenUsage
	Error      error

	// Chunks, when set, are streamed as separate text events instead of
	// Content. The done event carries their concatenation.
	Chunks []string

	// StreamError is delivered as an error event after the chunks.
	StreamError error
}

// MockClient is a configurable mock LLM client for testing.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	callIndex int
	calls     []ChatRequest
}

// NewMockClient creates a mock client with a sequence of responses.
// Responses are returned in order; if exhausted, the last response repeats.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

func (m *MockClient) next(req ChatRequest) (MockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if len(m.responses) == 0 {
		return MockResponse{}, fmt.Errorf("mock: no responses configured")
	}

	idx := m.callIndex
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.callIndex++
	}
	resp := m.responses[idx]
	if resp.Error != nil {
		return MockResponse{}, resp.Error
	}
	return resp, nil
}

func (r MockResponse) text() string {
	if len(r.Chunks) == 0 {
		return r.Content
	}
	var s string
	for _, c := range r.Chunks {
		s += c
	}
	return s
}

// Chat returns the next configured response.
func (m *MockClient) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if resp.StreamError != nil {
		return nil, resp.StreamError
	}
	return &ChatResponse{
		Content:    resp.text(),
		StopReason: resp.StopReason,
		Usage:      resp.Usage,
	}, nil
}

// ChatStream returns streaming events for the next configured response.
func (m *MockClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}

	chunks := resp.Chunks
	if len(chunks) == 0 && resp.Content != "" {
		chunks = []string{resp.Content}
	}

	ch := make(chan StreamEvent, len(chunks)+1)
	go func() {
		defer close(ch)

		for _, c := range chunks {
			select {
			case ch <- StreamEvent{Type: EventText, Text: c}:
			case <-ctx.Done():
				ch <- StreamEvent{Type: EventError, Error: ctx.Err()}
				return
			}
		}
		if resp.StreamError != nil {
			ch <- StreamEvent{Type: EventError, Error: resp.StreamError}
			return
		}
		ch <- StreamEvent{Type: EventDone, Response: &ChatResponse{
			Content:    resp.text(),
			StopReason: resp.StopReason,
			Usage:      resp.Usage,
		}}
	}()

	return ch, nil
}

// Calls returns all requests made to the mock client.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// Reset clears call history and resets the response index.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callIndex = 0
	m.calls = nil
}
