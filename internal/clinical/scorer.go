package clinical

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Scorer runs one instance through a named model and returns the positive
// class score.
type Scorer interface {
	Score(ctx context.Context, model string, instance any) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, model string, instance any) (float64, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, model string, instance any) (float64, error) {
	return f(ctx, model, instance)
}

// TFServingScorer calls the TensorFlow Serving REST predict API.
type TFServingScorer struct {
	baseURL    string
	httpClient *http.Client
}

// TFServingOption configures a TFServingScorer.
type TFServingOption func(*TFServingScorer)

// WithServingHTTPClient sets the HTTP client.
func WithServingHTTPClient(c *http.Client) TFServingOption {
	return func(s *TFServingScorer) { s.httpClient = c }
}

// NewTFServingScorer creates a scorer against baseURL, e.g.
// http://localhost:8501.
func NewTFServingScorer(baseURL string, opts ...TFServingOption) *TFServingScorer {
	s := &TFServingScorer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type predictRequest struct {
	Instances []any `json:"instances"`
}

type predictResponse struct {
	Predictions []json.RawMessage `json:"predictions"`
	Error       string            `json:"error"`
}

// Score posts {"instances":[instance]} to /v1/models/<model>:predict.
func (s *TFServingScorer) Score(ctx context.Context, model string, instance any) (float64, error) {
	body, err := json.Marshal(predictRequest{Instances: []any{instance}})
	if err != nil {
		return 0, fmt.Errorf("encoding %s instance: %w", model, err)
	}

	endpoint := s.baseURL + "/v1/models/" + url.PathEscape(model) + ":predict"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", model, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("reading %s response: %w", model, err)
	}

	var out predictResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("decoding %s response (status %d): %w", model, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return 0, fmt.Errorf("%s returned %d: %s", model, resp.StatusCode, msg)
	}
	if len(out.Predictions) == 0 {
		return 0, fmt.Errorf("%s returned no predictions", model)
	}
	return firstScore(out.Predictions[0])
}

// firstScore reads a prediction shaped as a number, [p] or [p0, p1]. For a
// two-class output the positive (last) class is returned.
func firstScore(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var arr []float64
	if err := json.Unmarshal(raw, &arr); err != nil {
		return 0, fmt.Errorf("unexpected prediction shape %s", truncate(raw, 64))
	}
	if len(arr) == 0 {
		return 0, errors.New("empty prediction vector")
	}
	return arr[len(arr)-1], nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
