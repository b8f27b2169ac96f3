// Package watch keeps the cached model in step with the registry.
//
// The model cache never expires entries on its own. A Watcher is the
// external controller that decides a reload is due: it periodically asks the
// registry for the latest version at the configured stage and reloads when
// that differs from what is being served, or when the service is running on
// the local fallback artifact and the registry is reachable again. While a
// registry model is served, reloads are restricted to the registry.
package watch

import (
	"context"
	"time"

	"github.com/jmerrifield20/creditrisk/internal/mlflow"
	"github.com/jmerrifield20/creditrisk/internal/resolver"
	"go.uber.org/zap"
)

// Config holds watcher configuration.
type Config struct {
	Interval      time.Duration
	CheckTimeout  time.Duration
	FailThreshold int // consecutive failed checks before a warning is logged
}

// VersionLister reports the newest registry version at a stage.
// *mlflow.Client satisfies it.
type VersionLister interface {
	LatestVersion(ctx context.Context, name, stage string) (*mlflow.ModelVersion, error)
}

// Reloader is the part of the model cache the watcher drives.
// *modelcache.Cache satisfies it.
type Reloader interface {
	Current() *resolver.ResolvedModel
	Reload(ctx context.Context) (*resolver.ResolvedModel, error)
	ReloadFrom(ctx context.Context, sources ...resolver.SourceKind) (*resolver.ResolvedModel, error)
}

// Outcome is the result of one check.
type Outcome string

const (
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeReloaded     Outcome = "reloaded"
	OutcomeCheckFailed  Outcome = "check_failed"
	OutcomeReloadFailed Outcome = "reload_failed"
)

// MetricsRecordFunc is an optional callback invoked with every outcome.
type MetricsRecordFunc func(outcome Outcome)

// Watcher runs periodic registry version checks.
type Watcher struct {
	lister    VersionLister
	cache     Reloader
	name      string
	stage     string
	cfg       Config
	failCount int
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Watcher for models:/<name>/<stage>.
func New(lister VersionLister, cache Reloader, name, stage string, cfg Config, logger *zap.Logger) *Watcher {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Watcher{
		lister: lister,
		cache:  cache,
		name:   name,
		stage:  stage,
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (w *Watcher) SetMetricsRecord(fn MetricsRecordFunc) {
	w.onMetrics = fn
}

// Start runs the check loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, w.cfg.CheckTimeout)
			w.Check(checkCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Check runs one version comparison and reloads when due. It is not safe
// to call concurrently with itself; Start never does.
func (w *Watcher) Check(ctx context.Context) Outcome {
	outcome := w.check(ctx)
	if w.onMetrics != nil {
		w.onMetrics(outcome)
	}
	return outcome
}

func (w *Watcher) check(ctx context.Context) Outcome {
	latest, err := w.lister.LatestVersion(ctx, w.name, w.stage)
	if err != nil {
		w.failCount++
		if w.failCount == w.cfg.FailThreshold {
			w.logger.Warn("watch: registry unreachable",
				zap.String("identifier", mlflow.ModelURI(w.name, w.stage)),
				zap.Int("fail_count", w.failCount),
				zap.Error(err),
			)
		}
		return OutcomeCheckFailed
	}
	if w.failCount >= w.cfg.FailThreshold {
		w.logger.Info("watch: registry reachable again",
			zap.String("identifier", mlflow.ModelURI(w.name, w.stage)),
		)
	}
	w.failCount = 0

	cur := w.cache.Current()
	if cur != nil && cur.Source == resolver.SourceRegistry && cur.Version == latest.Version {
		return OutcomeUnchanged
	}

	fields := []zap.Field{
		zap.String("identifier", mlflow.ModelURI(w.name, w.stage)),
		zap.String("registry_version", latest.Version),
	}
	if cur != nil {
		fields = append(fields,
			zap.String("serving_source", cur.Source.String()),
			zap.String("serving_version", cur.Version),
		)
	}
	w.logger.Info("watch: reload due", fields...)

	// A registry model is only ever replaced by another registry model; the
	// local fallback is for when nothing better is being served.
	var next *resolver.ResolvedModel
	if cur != nil && cur.Source == resolver.SourceRegistry {
		next, err = w.cache.ReloadFrom(ctx, resolver.SourceRegistry)
	} else {
		next, err = w.cache.Reload(ctx)
	}
	if err != nil {
		w.logger.Warn("watch: reload failed", append(fields, zap.Error(err))...)
		return OutcomeReloadFailed
	}
	if next.Source != resolver.SourceRegistry {
		// Resolution fell back again; the registry changed between the
		// version check and the load.
		return OutcomeReloadFailed
	}
	return OutcomeReloaded
}
