package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// SnapshotLoader reads a canvas's durable snapshot by persistence key.
// The db package's Store implements this.
type SnapshotLoader interface {
	LoadSnapshotByKey(ctx context.Context, persistenceKey string) (json.RawMessage, error)
}

// OffscreenFactory materializes invisible throwaway surfaces hydrated from
// the durable store. Each Acquire allocates an isolated instance so
// concurrent exports cannot interfere.
type OffscreenFactory struct {
	loader    SnapshotLoader
	maxPixels int
	live      atomic.Int64
}

// NewOffscreenFactory creates a factory hydrating from loader. maxPixels is
// passed through to the rasterizer of each acquired surface.
func NewOffscreenFactory(loader SnapshotLoader, maxPixels int) *OffscreenFactory {
	return &OffscreenFactory{loader: loader, maxPixels: maxPixels}
}

// Acquire materializes an offscreen surface bound to persistenceKey.
// Hydration runs asynchronously; callers observe completion or failure via
// WaitReady. The returned surface must be Released on every exit path.
func (f *OffscreenFactory) Acquire(ctx context.Context, persistenceKey string) (OffscreenSurface, error) {
	if persistenceKey == "" {
		return nil, fmt.Errorf("persistence key is required")
	}

	off := &offscreenSurface{
		MemSurface: NewMemSurface(f.maxPixels),
		factory:    f,
		ready:      make(chan struct{}),
	}
	f.live.Add(1)

	go func() {
		defer close(off.ready)
		snapshot, err := f.loader.LoadSnapshotByKey(ctx, persistenceKey)
		if err != nil {
			off.hydrateErr = fmt.Errorf("failed to load snapshot for %s: %w", persistenceKey, err)
			return
		}
		if err := off.Restore(snapshot); err != nil {
			off.hydrateErr = err
		}
	}()

	return off, nil
}

// Live returns the number of acquired surfaces not yet released. Exposed so
// hosts (and tests) can verify no instance leaks.
func (f *OffscreenFactory) Live() int {
	return int(f.live.Load())
}

type offscreenSurface struct {
	*MemSurface
	factory    *OffscreenFactory
	ready      chan struct{}
	hydrateErr error
	release    sync.Once
}

// WaitReady blocks until hydration completes or ctx is done.
func (o *offscreenSurface) WaitReady(ctx context.Context) error {
	select {
	case <-o.ready:
		return o.hydrateErr
	case <-ctx.Done():
		return fmt.Errorf("hydration aborted: %w", ctx.Err())
	}
}

// Release disposes the instance. Safe to call more than once.
func (o *offscreenSurface) Release() {
	o.release.Do(func() {
		o.factory.live.Add(-1)
	})
}
