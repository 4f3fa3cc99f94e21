package chat

import (
	"context"

	"github.com/szaher/careassist/internal/llm"
)

// Generator produces the assistant reply for an assembled prompt as a finite
// stream of llm.StreamEvent values: text events terminated by one done or
// error event. The channel is closed after the terminal event.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (<-chan llm.StreamEvent, error)
}

// LLMGenerator adapts an llm.Client.
type LLMGenerator struct {
	client      llm.Client
	model       string
	maxTokens   int
	temperature *float64
}

// GeneratorOption configures an LLMGenerator.
type GeneratorOption func(*LLMGenerator)

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) GeneratorOption {
	return func(g *LLMGenerator) { g.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) GeneratorOption {
	return func(g *LLMGenerator) { g.temperature = &t }
}

// NewLLMGenerator creates a generator calling model through client.
func NewLLMGenerator(client llm.Client, model string, opts ...GeneratorOption) *LLMGenerator {
	g := &LLMGenerator{client: client, model: model, maxTokens: 1024}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Model returns the model name sent to the provider.
func (g *LLMGenerator) Model() string { return g.model }

// Generate streams the model reply.
func (g *LLMGenerator) Generate(ctx context.Context, p Prompt) (<-chan llm.StreamEvent, error) {
	return g.client.ChatStream(ctx, llm.ChatRequest{
		Model:       g.model,
		System:      p.System,
		Messages:    p.Messages,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
}
