package clinical

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/szaher/careassist/internal/telemetry"
)

// Models names the served model for each screening.
type Models struct {
	HealthRisk string
	Depression string
	Pneumonia  string
}

// DefaultModels are the model names used when none are configured.
var DefaultModels = Models{HealthRisk: "health_risk", Depression: "depression", Pneumonia: "pneumonia"}

// MaxImageBytes caps uploaded X-ray size.
const MaxImageBytes = 10 << 20

// Service composes a Scorer with the decision thresholds.
type Service struct {
	scorer  Scorer
	models  Models
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithModels overrides the served model names.
func WithModels(m Models) ServiceOption {
	return func(s *Service) {
		if m.HealthRisk != "" {
			s.models.HealthRisk = m.HealthRisk
		}
		if m.Depression != "" {
			s.models.Depression = m.Depression
		}
		if m.Pneumonia != "" {
			s.models.Pneumonia = m.Pneumonia
		}
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithServiceMetrics records prediction labels.
func WithServiceMetrics(m *telemetry.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service. A nil scorer makes every call return
// ErrUnavailable.
func NewService(scorer Scorer, opts ...ServiceOption) *Service {
	s := &Service{scorer: scorer, models: DefaultModels, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Available reports whether a scorer is configured.
func (s *Service) Available() bool { return s != nil && s.scorer != nil }

func (s *Service) score(ctx context.Context, model string, instance any) (float64, error) {
	if !s.Available() {
		return 0, fmt.Errorf("%s: %w", model, ErrUnavailable)
	}
	p, err := s.scorer.Score(ctx, model, instance)
	if err != nil {
		telemetry.RequestLogger(s.logger, ctx, "clinical").Warn("prediction failed", "model", model, "error", err)
		return 0, fmt.Errorf("%s prediction failed: %w", model, err)
	}
	return p, nil
}

// PredictHealthRisk scores lifestyle answers.
func (s *Service) PredictHealthRisk(ctx context.Context, req HealthRiskRequest) (HealthRiskResult, error) {
	if err := req.Validate(); err != nil {
		return HealthRiskResult{}, err
	}
	p, err := s.score(ctx, s.models.HealthRisk, req.Features())
	if err != nil {
		return HealthRiskResult{}, err
	}
	res := ClassifyHealthRisk(p)
	s.metrics.RecordPrediction(s.models.HealthRisk, res.RiskStatus)
	return res, nil
}

// AssessDepression scores survey answers.
func (s *Service) AssessDepression(ctx context.Context, req DepressionRequest) (DepressionResult, error) {
	if err := req.Validate(); err != nil {
		return DepressionResult{}, err
	}
	p, err := s.score(ctx, s.models.Depression, req.Features())
	if err != nil {
		return DepressionResult{}, err
	}
	res := ClassifyDepression(p)
	s.metrics.RecordPrediction(s.models.Depression, res.RiskStatus)
	return res, nil
}

// DetectPneumonia classifies a chest X-ray. contentType must be an image
// type; the image is echoed back as a data URI preview.
func (s *Service) DetectPneumonia(ctx context.Context, contentType string, r io.Reader) (PneumoniaResult, error) {
	if !s.Available() {
		return PneumoniaResult{}, fmt.Errorf("%s: %w", s.models.Pneumonia, ErrUnavailable)
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return PneumoniaResult{}, fmt.Errorf("reading image: %w", err)
	}
	if len(data) > MaxImageBytes {
		return PneumoniaResult{}, &FieldError{Field: "file", Reason: "exceeds the upload limit"}
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !isImage(contentType) {
		return PneumoniaResult{}, &FieldError{Field: "file", Reason: "must be an image"}
	}

	tensor, err := PreprocessXRay(bytes.NewReader(data))
	if err != nil {
		return PneumoniaResult{}, err
	}
	p, err := s.score(ctx, s.models.Pneumonia, tensor)
	if err != nil {
		return PneumoniaResult{}, err
	}
	res := ClassifyPneumonia(p)
	res.ImagePreview = "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
	s.metrics.RecordPrediction(s.models.Pneumonia, res.Label)
	return res, nil
}

func isImage(contentType string) bool {
	return len(contentType) >= 6 && contentType[:6] == "image/"
}
