// Package estimator defines the persisted model artifact produced by the
// training pipeline and the in-memory estimator built from it.
//
// An artifact is a JSON document that carries everything needed to replay
// the training-time encoding: the ordered feature layout, the model kind and
// its parameters. Two kinds are supported:
//   - logistic:  intercept + one weight per vector slot, optional standardisation.
//   - scorecard: intercept + per-feature bins whose scores are log-odds contributions.
//
// The serving layer never writes artifacts; Encode exists for the training
// side and for tests.
package estimator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// FormatVersion is the only artifact format version this package reads.
const FormatVersion = 1

// maxArtifactBytes bounds how much of an artifact stream Decode will read.
const maxArtifactBytes = 64 << 20

// ErrInvalidArtifact is wrapped by every Decode/Build failure caused by the
// artifact content itself (as opposed to I/O).
var ErrInvalidArtifact = errors.New("invalid model artifact")

// Kind selects the model family stored in an artifact.
type Kind string

const (
	KindLogistic  Kind = "logistic"
	KindScorecard Kind = "scorecard"
)

// FeatureType is the declared type of a single input feature.
type FeatureType string

const (
	TypeNumber      FeatureType = "number"
	TypeInteger     FeatureType = "integer"
	TypeBoolean     FeatureType = "boolean"
	TypeCategorical FeatureType = "categorical"
)

// Feature describes one input feature in training order.
type Feature struct {
	Name       string      `json:"name"`
	Type       FeatureType `json:"type"`
	Categories []string    `json:"categories,omitempty"`
}

// Scaling is the standardisation applied to a numeric slot before weighting.
type Scaling struct {
	Mean  float64 `json:"mean"`
	Scale float64 `json:"scale"`
}

// Bin is one scorecard bucket. Numeric bins match values <= Upper (a nil
// Upper is the open-ended last bin); categorical bins match Category.
type Bin struct {
	Upper    *float64 `json:"upper,omitempty"`
	Category string   `json:"category,omitempty"`
	Score    float64  `json:"score"`
}

// Artifact is the decoded on-disk representation of a trained model.
type Artifact struct {
	FormatVersion int                `json:"format_version"`
	Kind          Kind               `json:"kind"`
	Name          string             `json:"name,omitempty"`
	Version       string             `json:"version,omitempty"`
	TrainedAt     *time.Time         `json:"trained_at,omitempty"`
	Features      []Feature          `json:"features"`
	Intercept     float64            `json:"intercept"`
	Weights       []float64          `json:"weights,omitempty"`
	Scaling       map[string]Scaling `json:"scaling,omitempty"`
	Bins          map[string][]Bin   `json:"bins,omitempty"`
}

// Model is a binary classifier over an encoded feature vector.
type Model interface {
	// PredictProba returns the probability of the positive (default) class.
	PredictProba(x []float64) (float64, error)
}

// Estimator couples a Model with the Vectorizer that produces its input.
// It is immutable after Build and safe for concurrent use.
type Estimator struct {
	Name      string
	Version   string
	Kind      Kind
	TrainedAt time.Time

	vec   *Vectorizer
	model Model
}

// Features returns the feature layout the estimator was trained on.
func (e *Estimator) Features() []Feature {
	return e.vec.Features()
}

// Vectorize encodes a feature record into the estimator's input vector.
func (e *Estimator) Vectorize(record map[string]any) ([]float64, error) {
	return e.vec.Transform(record)
}

// PredictProba implements Model.
func (e *Estimator) PredictProba(x []float64) (float64, error) {
	return e.model.PredictProba(x)
}

// Decode reads and validates an artifact document.
func Decode(r io.Reader) (*Artifact, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if len(raw) > maxArtifactBytes {
		return nil, fmt.Errorf("%w: artifact exceeds %d bytes", ErrInvalidArtifact, maxArtifactBytes)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: not a JSON document: %v", ErrInvalidArtifact, err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	var a Artifact
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	return &a, nil
}

// Build turns a decoded artifact into a ready-to-use Estimator.
func Build(a *Artifact) (*Estimator, error) {
	if a.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format_version %d", ErrInvalidArtifact, a.FormatVersion)
	}
	vec, err := NewVectorizer(a.Features)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if math.IsNaN(a.Intercept) || math.IsInf(a.Intercept, 0) {
		return nil, fmt.Errorf("%w: intercept is not finite", ErrInvalidArtifact)
	}

	var m Model
	switch a.Kind {
	case KindLogistic:
		m, err = newLogistic(vec, a.Intercept, a.Weights, a.Scaling)
	case KindScorecard:
		m, err = newScorecard(vec, a.Intercept, a.Bins)
	default:
		err = fmt.Errorf("unknown kind %q", a.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	e := &Estimator{
		Name:    a.Name,
		Version: a.Version,
		Kind:    a.Kind,
		vec:     vec,
		model:   m,
	}
	if a.TrainedAt != nil {
		e.TrainedAt = a.TrainedAt.UTC()
	}
	return e, nil
}

// Load decodes and builds an estimator in one step.
func Load(r io.Reader) (*Estimator, error) {
	a, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return Build(a)
}

// Encode writes an artifact as indented JSON.
func Encode(w io.Writer, a *Artifact) error {
	if a.FormatVersion == 0 {
		a.FormatVersion = FormatVersion
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return nil
}

// sigmoid is the logistic function, evaluated without overflow for large |z|.
func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	ez := math.Exp(z)
	return ez / (1 + ez)
}
