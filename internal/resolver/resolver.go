// Package resolver decides which model artifact to activate.
//
// Resolution walks an ordered list of Loader strategies (registry first,
// then the local artifact) and returns the first model that loads. Failures
// of earlier sources are logged and absorbed; only when every source has
// failed does Resolve return a *ModelUnavailableError carrying each cause.
// There are no retries: one attempt per source per pass.
package resolver

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/creditrisk/pkg/estimator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Defaults for Config fields left empty.
const (
	DefaultModelName  = "credit-risk-best"
	DefaultModelStage = "Production"
	DefaultLocalPath  = "/app/artifacts/best_model.pkl"
)

var tracer = otel.Tracer("github.com/jmerrifield20/creditrisk/internal/resolver")

// Config is the model source configuration. It is built once at startup and
// passed by value; nothing mutates it afterwards.
type Config struct {
	RegistryURI string // empty: skip the registry entirely
	ModelName   string
	ModelStage  string
	LocalPath   string
}

// WithDefaults fills empty fields with their defaults.
func (c Config) WithDefaults() Config {
	if c.ModelName == "" {
		c.ModelName = DefaultModelName
	}
	if c.ModelStage == "" {
		c.ModelStage = DefaultModelStage
	}
	if c.LocalPath == "" {
		c.LocalPath = DefaultLocalPath
	}
	return c
}

// Estimator is the capability the serving layer needs from a loaded model.
// Implementations must be safe for concurrent read-only use.
type Estimator interface {
	Vectorize(record map[string]any) ([]float64, error)
	PredictProba(x []float64) (float64, error)
}

// Loaded is what a Loader hands back on success.
type Loaded struct {
	Model    Estimator
	Version  string
	Features []estimator.Feature
}

// Loader is one named model source strategy.
type Loader interface {
	Source() SourceKind
	Identifier() string
	Load(ctx context.Context) (*Loaded, error)
}

// ResolvedModel is an activated model plus where it came from.
// It is never mutated after Resolve returns it.
type ResolvedModel struct {
	ID         uuid.UUID
	Model      Estimator
	Source     SourceKind
	Identifier string // registry URI used, or the local path
	Version    string
	Features   []estimator.Feature
	LoadedAt   time.Time
}

// AttemptRecordFunc is an optional callback invoked once per load attempt.
type AttemptRecordFunc func(source SourceKind, success bool)

// ModelCheckFunc vets a freshly loaded model before it is accepted. A
// non-nil error fails that source's attempt like any other load failure.
type ModelCheckFunc func(loaded *Loaded) error

// Resolver produces a ResolvedModel from an ordered list of loaders.
type Resolver struct {
	loaders   []Loader
	logger    *zap.Logger
	onAttempt AttemptRecordFunc
	check     ModelCheckFunc
}

// New builds the standard two-source resolver for cfg. registry may be nil
// only when cfg.RegistryURI is empty.
func New(cfg Config, registry RegistryClient, logger *zap.Logger) *Resolver {
	cfg = cfg.WithDefaults()

	var loaders []Loader
	if cfg.RegistryURI != "" {
		if registry == nil {
			registry = UnavailableRegistry(errRegistryNotConfigured)
		}
		loaders = append(loaders, NewRegistryLoader(registry, cfg.ModelName, cfg.ModelStage))
	}
	loaders = append(loaders, NewLocalFileLoader(cfg.LocalPath))

	return NewWithLoaders(loaders, logger)
}

// NewWithLoaders builds a resolver over an explicit strategy list, tried in order.
func NewWithLoaders(loaders []Loader, logger *zap.Logger) *Resolver {
	return &Resolver{
		loaders: append([]Loader(nil), loaders...),
		logger:  logger,
	}
}

// SetAttemptRecord configures the per-attempt metrics callback.
func (r *Resolver) SetAttemptRecord(fn AttemptRecordFunc) {
	r.onAttempt = fn
}

// SetModelCheck configures the acceptance check run after every successful
// load. Call before first use.
func (r *Resolver) SetModelCheck(fn ModelCheckFunc) {
	r.check = fn
}

// Sources lists the configured loaders in resolution order.
func (r *Resolver) Sources() []Loader {
	return append([]Loader(nil), r.loaders...)
}

// Resolve runs one resolution pass.
func (r *Resolver) Resolve(ctx context.Context) (*ResolvedModel, error) {
	return r.resolve(ctx, r.loaders)
}

// ResolveFrom runs one resolution pass restricted to loaders of the given
// kinds, keeping their configured order. Loaders of other kinds are not
// attempted.
func (r *Resolver) ResolveFrom(ctx context.Context, sources ...SourceKind) (*ResolvedModel, error) {
	var picked []Loader
	for _, l := range r.loaders {
		for _, k := range sources {
			if l.Source() == k {
				picked = append(picked, l)
				break
			}
		}
	}
	return r.resolve(ctx, picked)
}

func (r *Resolver) resolve(ctx context.Context, loaders []Loader) (*ResolvedModel, error) {
	var failures []error

	for _, l := range loaders {
		loaded, err := r.attempt(ctx, l)
		if err != nil {
			failures = append(failures, err)
			continue
		}

		return &ResolvedModel{
			ID:         uuid.New(),
			Model:      loaded.Model,
			Source:     l.Source(),
			Identifier: l.Identifier(),
			Version:    loaded.Version,
			Features:   loaded.Features,
			LoadedAt:   time.Now().UTC(),
		}, nil
	}

	return nil, &ModelUnavailableError{Causes: failures}
}

// attempt runs a single loader and emits exactly one log line for it.
func (r *Resolver) attempt(ctx context.Context, l Loader) (*Loaded, error) {
	ctx, span := tracer.Start(ctx, "resolver.load", trace.WithAttributes(
		attribute.String("model.source", l.Source().String()),
		attribute.String("model.identifier", l.Identifier()),
	))
	defer span.End()

	start := time.Now()
	loaded, err := l.Load(ctx)
	if err == nil && (loaded == nil || loaded.Model == nil) {
		err = sourceError(l, errEmptyModel)
	}
	if err == nil && r.check != nil {
		if cerr := r.check(loaded); cerr != nil {
			err = sourceError(l, cerr)
		}
	}

	if r.onAttempt != nil {
		r.onAttempt(l.Source(), err == nil)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model load failed")
		r.logger.Warn("model load failed",
			zap.String("source", l.Source().String()),
			zap.String("identifier", l.Identifier()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}

	r.logger.Info("model loaded",
		zap.String("source", l.Source().String()),
		zap.String("identifier", l.Identifier()),
		zap.String("version", loaded.Version),
		zap.Duration("elapsed", time.Since(start)),
	)
	return loaded, nil
}
