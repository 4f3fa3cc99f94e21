package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"
)

// Embedder maps text to a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultEmbeddingModel matches the sentence-transformer the knowledge base
// was indexed with.
const DefaultEmbeddingModel = "sentence-transformers/all-MiniLM-L6-v2"

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint. Text
// embeddings inference servers, Ollama and OpenAI itself all qualify.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	group  singleflight.Group
}

// EmbedderOption configures an OpenAIEmbedder.
type EmbedderOption func(*openai.ClientConfig)

// WithEmbedderHTTPClient sets the HTTP client used for embedding calls.
func WithEmbedderHTTPClient(c *http.Client) EmbedderOption {
	return func(cfg *openai.ClientConfig) { cfg.HTTPClient = c }
}

// NewOpenAIEmbedder creates an embedder for model served at baseURL.
func NewOpenAIEmbedder(baseURL, apiKey, model string, opts ...EmbedderOption) *OpenAIEmbedder {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Embed returns the embedding for text. Concurrent calls for the same text
// share one upstream request.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err, _ := e.group.Do(text, func() (interface{}, error) {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return nil, errors.New("embed query: empty embedding in response")
		}
		return resp.Data[0].Embedding, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}
