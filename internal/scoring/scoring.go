// Package scoring turns a raw feature payload into a default probability and
// a risk label using the cached model.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jmerrifield20/creditrisk/internal/resolver"
	"github.com/jmerrifield20/creditrisk/internal/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/jmerrifield20/creditrisk/internal/scoring")

// ModelSource hands out the active model. *modelcache.Cache satisfies it.
type ModelSource interface {
	Get(ctx context.Context) (*resolver.ResolvedModel, error)
}

// Validator checks an inbound payload. *schema.Schema satisfies it.
type Validator interface {
	Validate(payload map[string]any) (schema.Record, error)
}

// DecisionSink receives every successful score. Sink failures are logged
// and never fail the request.
type DecisionSink interface {
	Record(ctx context.Context, rec schema.Record, res *Result) error
}

// Result is the outcome of scoring one record.
type Result struct {
	Probability  float64             `json:"probability"`
	RiskLabel    RiskLabel           `json:"riskLabel"`
	IsHighRisk   bool                `json:"isHighRisk"`
	Threshold    float64             `json:"threshold"`
	ModelID      uuid.UUID           `json:"modelId"`
	ModelSource  string              `json:"modelSource"`
	SourceKind   resolver.SourceKind `json:"sourceKind"`
	ModelVersion string              `json:"modelVersion,omitempty"`
}

// ScoringError means the model itself failed on a valid record. The cached
// model is left in place.
type ScoringError struct {
	Identifier string
	Err        error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring with %s: %v", e.Identifier, e.Err)
}

func (e *ScoringError) Unwrap() error { return e.Err }

// Service scores feature records. It is safe for concurrent use.
type Service struct {
	models     ModelSource
	validator  Validator
	thresholds Thresholds
	sink       DecisionSink
	logger     *zap.Logger
}

// New builds a Service. thresholds must pass Validate.
func New(models ModelSource, validator Validator, thresholds Thresholds, logger *zap.Logger) (*Service, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		models:     models,
		validator:  validator,
		thresholds: thresholds,
		logger:     logger,
	}, nil
}

// SetDecisionSink configures where successful decisions are recorded.
// Call before first use.
func (s *Service) SetDecisionSink(sink DecisionSink) {
	s.sink = sink
}

// Thresholds returns the configured decision thresholds.
func (s *Service) Thresholds() Thresholds { return s.thresholds }

// Score validates payload, runs the cached model and labels the result.
//
// Errors: *schema.InvalidFeatureError for a bad payload or one lacking a
// feature the active model needs (the model is never invoked), *resolver.ModelUnavailableError when no model can be loaded,
// *ScoringError when the model fails. Cancellation of ctx while waiting for
// the first model load returns ctx.Err().
func (s *Service) Score(ctx context.Context, payload map[string]any) (*Result, error) {
	ctx, span := tracer.Start(ctx, "scoring.score")
	defer span.End()

	rec, err := s.validator.Validate(payload)
	if err != nil {
		span.SetStatus(codes.Error, "invalid features")
		return nil, err
	}

	m, err := s.models.Get(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model unavailable")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("model.identifier", m.Identifier),
		attribute.String("model.version", m.Version),
	)

	// Fields the schema leaves optional may still be needed by this model.
	if err := schema.RequireFeatures(rec, m.Features); err != nil {
		span.SetStatus(codes.Error, "invalid features")
		return nil, err
	}

	p, err := predict(m, rec)
	if err != nil {
		serr := &ScoringError{Identifier: m.Identifier, Err: err}
		span.RecordError(serr)
		span.SetStatus(codes.Error, "scoring failed")
		return nil, serr
	}

	label := s.thresholds.Label(p)
	res := &Result{
		Probability:  p,
		RiskLabel:    label,
		IsHighRisk:   label == RiskHigh,
		Threshold:    s.thresholds.High,
		ModelID:      m.ID,
		ModelSource:  m.Identifier,
		SourceKind:   m.Source,
		ModelVersion: m.Version,
	}
	span.SetAttributes(
		attribute.Float64("score.probability", p),
		attribute.String("score.label", string(label)),
	)

	if s.sink != nil {
		if err := s.sink.Record(ctx, rec, res); err != nil {
			s.logger.Warn("decision record failed", zap.Error(err))
		}
	}
	return res, nil
}

var errNotFinite = errors.New("model returned a non-finite probability")

// predict runs the model and clamps its output into [0, 1].
func predict(m *resolver.ResolvedModel, rec schema.Record) (float64, error) {
	if m.Model == nil {
		return 0, errors.New("resolved model has no estimator")
	}
	x, err := m.Model.Vectorize(rec)
	if err != nil {
		return 0, fmt.Errorf("vectorize: %w", err)
	}
	p, err := m.Model.PredictProba(x)
	if err != nil {
		return 0, fmt.Errorf("predict: %w", err)
	}
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, errNotFinite
	}
	return math.Min(1, math.Max(0, p)), nil
}
