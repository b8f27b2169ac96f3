// Package modelcache holds the active model for the lifetime of the process.
//
// The cache is an explicitly constructed object injected into whatever needs
// the model. The first Get triggers a resolution pass; concurrent first
// callers share that single pass through a singleflight group. Reload forces
// a new pass and swaps the handle only on success, so a failed reload leaves
// the previous model serving. Resolution passes are serialised by a mutex,
// which makes Reload exclusive with itself and with lazy initialisation.
//
// Readers go through an atomic pointer and never block on an in-progress
// reload once a model is loaded. Entries never expire on their own.
package modelcache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jmerrifield20/creditrisk/internal/resolver"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Resolver is the resolution capability the cache depends on.
// *resolver.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context) (*resolver.ResolvedModel, error)
}

// SourceResolver is implemented by resolvers that can restrict a pass to
// some of their sources. *resolver.Resolver satisfies it.
type SourceResolver interface {
	ResolveFrom(ctx context.Context, sources ...resolver.SourceKind) (*resolver.ResolvedModel, error)
}

// SwapFunc is an optional callback invoked after a new model is installed.
// prev is nil on the first load.
type SwapFunc func(prev, next *resolver.ResolvedModel)

// Cache is the process-wide model holder.
type Cache struct {
	resolver Resolver
	logger   *zap.Logger

	current atomic.Pointer[resolver.ResolvedModel]
	group   singleflight.Group
	passMu  sync.Mutex // held for the duration of every resolution pass

	resolutions atomic.Int64
	onSwap      SwapFunc
}

// New creates an empty cache. Nothing is resolved until Get or Reload.
func New(r Resolver, logger *zap.Logger) *Cache {
	return &Cache{resolver: r, logger: logger}
}

// SetSwapHook configures the post-swap callback. Call before first use.
func (c *Cache) SetSwapHook(fn SwapFunc) {
	c.onSwap = fn
}

// Get returns the cached model, resolving it on first use.
func (c *Cache) Get(ctx context.Context) (*resolver.ResolvedModel, error) {
	if m := c.current.Load(); m != nil {
		return m, nil
	}

	ch := c.group.DoChan("model", func() (any, error) {
		// Detached so one caller giving up does not fail the others sharing
		// this pass; the resolver's own I/O timeouts bound it.
		return c.loadOnce(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*resolver.ResolvedModel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadOnce resolves unless another pass installed a model while we waited.
func (c *Cache) loadOnce(ctx context.Context) (*resolver.ResolvedModel, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	if m := c.current.Load(); m != nil {
		return m, nil
	}
	return c.resolveAndSwap(ctx, c.resolver.Resolve)
}

// Reload forces a fresh resolution pass with the same configuration. On
// failure the previous model (if any) stays installed and the error is
// returned.
func (c *Cache) Reload(ctx context.Context) (*resolver.ResolvedModel, error) {
	return c.reload(ctx, c.resolver.Resolve)
}

// ReloadFrom is Reload restricted to the given source kinds: a model from
// any other source is never installed, so a registry-only reload cannot
// replace a registry model with the local fallback.
func (c *Cache) ReloadFrom(ctx context.Context, sources ...resolver.SourceKind) (*resolver.ResolvedModel, error) {
	if sr, ok := c.resolver.(SourceResolver); ok {
		return c.reload(ctx, func(ctx context.Context) (*resolver.ResolvedModel, error) {
			return sr.ResolveFrom(ctx, sources...)
		})
	}
	return c.reload(ctx, func(ctx context.Context) (*resolver.ResolvedModel, error) {
		m, err := c.resolver.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(sources, m.Source) {
			return nil, &resolver.ModelUnavailableError{Causes: []error{
				fmt.Errorf("resolved from %s, want one of %v", m.Source, sources),
			}}
		}
		return m, nil
	})
}

func (c *Cache) reload(ctx context.Context, resolve resolveFunc) (*resolver.ResolvedModel, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	m, err := c.resolveAndSwap(ctx, resolve)
	if err != nil {
		if prev := c.current.Load(); prev != nil {
			c.logger.Warn("model reload failed; keeping current model",
				zap.String("identifier", prev.Identifier),
				zap.String("version", prev.Version),
				zap.Error(err),
			)
		}
		return nil, err
	}
	return m, nil
}

type resolveFunc func(ctx context.Context) (*resolver.ResolvedModel, error)

// resolveAndSwap must be called with passMu held.
func (c *Cache) resolveAndSwap(ctx context.Context, resolve resolveFunc) (*resolver.ResolvedModel, error) {
	c.resolutions.Add(1)

	next, err := resolve(ctx)
	if err != nil {
		return nil, err
	}

	prev := c.current.Swap(next)
	c.logger.Info("model installed",
		zap.String("id", next.ID.String()),
		zap.String("source", next.Source.String()),
		zap.String("identifier", next.Identifier),
		zap.String("version", next.Version),
	)
	if c.onSwap != nil {
		c.onSwap(prev, next)
	}
	return next, nil
}

// Current returns the installed model without triggering resolution.
// It returns nil when nothing has been loaded yet.
func (c *Cache) Current() *resolver.ResolvedModel {
	return c.current.Load()
}

// Loaded reports whether a model is installed.
func (c *Cache) Loaded() bool {
	return c.current.Load() != nil
}

// Resolutions returns the number of resolution passes started so far.
func (c *Cache) Resolutions() int64 {
	return c.resolutions.Load()
}
