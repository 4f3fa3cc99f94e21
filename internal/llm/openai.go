package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Default endpoints for OpenAI-compatible providers.
const (
	DefaultOpenAIBaseURL      = "https://api.openai.com/v1"
	DefaultOllamaHost         = "http://localhost:11434"
	DefaultHuggingFaceBaseURL = "https://router.huggingface.co/v1"
)

// OpenAIClient implements Client on the OpenAI chat completions API.
// Works with OpenAI, Ollama, the HuggingFace inference router, vLLM and any
// other OpenAI-compatible endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	client     *openai.Client
}

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*OpenAIClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIClient) { o.httpClient = c }
}

// NewOpenAIClient creates a client for the OpenAI API.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	return NewOpenAICompatibleClient(DefaultOpenAIBaseURL, apiKey, opts...)
}

// NewOllamaClient creates a client for a local Ollama instance.
func NewOllamaClient(host string, opts ...OpenAIOption) *OpenAIClient {
	if host == "" {
		host = DefaultOllamaHost
	}
	return NewOpenAICompatibleClient(strings.TrimRight(host, "/")+"/v1", "", opts...)
}

// NewHuggingFaceClient creates a client for the HuggingFace inference router.
func NewHuggingFaceClient(token string, opts ...OpenAIOption) *OpenAIClient {
	return NewOpenAICompatibleClient(DefaultHuggingFaceBaseURL, token, opts...)
}

// NewOpenAICompatibleClient creates a client for any OpenAI-compatible endpoint.
func NewOpenAICompatibleClient(baseURL, apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = c.baseURL
	cfg.HTTPClient = c.httpClient
	c.client = openai.NewClientWithConfig(cfg)
	return c
}

// Chat sends a non-streaming chat request.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := c.client.CreateChatCompletion(ctx, buildOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}

	result := &ChatResponse{
		StopReason: StopEndTurn,
		Usage: TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) > 0 {
		result.Content = resp.Choices[0].Message.Content
		result.StopReason = mapOAIStopReason(resp.Choices[0].FinishReason)
	}
	return result, nil
}

// ChatStream sends a streaming chat request and returns events via channel.
func (c *OpenAIClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, buildOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		var (
			content      strings.Builder
			finishReason openai.FinishReason
		)
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: EventError, Error: fmt.Errorf("openai stream: %w", err)}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				ch <- StreamEvent{Type: EventText, Text: choice.Delta.Content}
			}
		}

		ch <- StreamEvent{Type: EventDone, Response: &ChatResponse{
			Content:    content.String(),
			StopReason: mapOAIStopReason(finishReason),
		}}
	}()

	return ch, nil
}

func buildOpenAIRequest(req ChatRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	oaiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		oaiReq.Temperature = float32(*req.Temperature)
	}
	return oaiReq
}

func mapOAIStopReason(reason openai.FinishReason) StopReason {
	switch reason {
	case openai.FinishReasonLength:
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}
