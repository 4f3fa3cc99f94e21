// Package llm defines the language model client abstraction used by the chat
// orchestrator, with adapters for Anthropic and OpenAI-compatible endpoints.
package llm

import (
	"context"
)

// Role represents a message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Stream event types.
const (
	EventText  = "text"
	EventDone  = "done"
	EventError = "error"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TokenUsage tracks token consumption for a single LLM call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the sum of all token fields.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ChatRequest contains parameters for an LLM chat call.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// ChatResponse contains the LLM's response to a chat request.
type ChatResponse struct {
	Content    string     `json:"content,omitempty"`
	StopReason StopReason `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
}

// StreamEvent represents an incremental event during streaming.
type StreamEvent struct {
	Type string `json:"type"` // EventText, EventDone or EventError

	// Text events
	Text string `json:"text,omitempty"`

	// Done events
	Response *ChatResponse `json:"response,omitempty"`

	// Error events
	Error error `json:"-"`
}

// Client is the interface for LLM interactions.
type Client interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends a request and returns a channel of streaming events.
	// The channel is closed after a done or error event.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}
