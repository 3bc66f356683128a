// Package export produces rasterized snapshots of named canvases.
//
// The active canvas is read straight from its live surface. Any other
// canvas is exported through a temporary offscreen surface that hydrates
// from the durable store, gets rasterized once, and is released on every
// exit path.
package export

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"canvaschat/canvas"
	"canvaschat/core"
	"canvaschat/logging"
)

// DefaultHydrationTimeout bounds how long an offscreen surface may take to
// hydrate before the export is treated as failed.
const DefaultHydrationTimeout = 5 * time.Second

// Result is one rasterized canvas, consumed immediately into a message part.
type Result struct {
	SourceCanvasName string
	PNG              []byte
}

// Service exports canvases by display name.
type Service struct {
	tabs             *canvas.TabList
	factory          canvas.SurfaceFactory
	hydrationTimeout time.Duration
	logger           *logging.Logger

	// group de-duplicates concurrent offscreen exports per persistence key.
	// Permitted as an optimization: observable behavior is unchanged.
	group singleflight.Group
}

// NewService creates an export service over the given tab registry and
// offscreen factory. hydrationTimeout <= 0 selects the default.
func NewService(tabs *canvas.TabList, factory canvas.SurfaceFactory, hydrationTimeout time.Duration, logger *logging.Logger) *Service {
	if hydrationTimeout <= 0 {
		hydrationTimeout = DefaultHydrationTimeout
	}
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Service{
		tabs:             tabs,
		factory:          factory,
		hydrationTimeout: hydrationTimeout,
		logger:           logger.Named("export"),
	}
}

// ExportByName rasterizes the canvas with the given display name.
//
// Name resolution is exact and case-sensitive; two tabs sharing a name
// resolve to the first in list order. A canvas with zero shapes exports as
// a valid blank image. Export never mutates the durable snapshot.
func (s *Service) ExportByName(ctx context.Context, name string) (Result, error) {
	tab, ok := s.tabs.ByName(name)
	if !ok {
		return Result{}, core.ErrExportNotFound(name)
	}

	if active, isActive := s.tabs.Active(); isActive && active.ID == tab.ID {
		if surface := s.tabs.ActiveSurface(); surface != nil {
			png, err := surface.Rasterize(surface.VisibleShapeIDs())
			if err != nil {
				return Result{}, core.ErrExportFailed(name, err)
			}
			return Result{SourceCanvasName: name, PNG: png}, nil
		}
		// Active tab without a mounted surface exports like any other.
	}

	png, err := s.exportOffscreen(ctx, tab)
	if err != nil {
		return Result{}, core.ErrExportFailed(name, err)
	}
	return Result{SourceCanvasName: name, PNG: png}, nil
}

// exportOffscreen materializes a throwaway surface for the tab, waits for
// hydration within the configured bound, rasterizes, and releases the
// instance whether or not anything failed.
func (s *Service) exportOffscreen(ctx context.Context, tab canvas.Tab) ([]byte, error) {
	v, err, _ := s.group.Do(tab.PersistenceKey, func() (interface{}, error) {
		hydrateCtx, cancel := context.WithTimeout(ctx, s.hydrationTimeout)
		defer cancel()

		surface, err := s.factory.Acquire(hydrateCtx, tab.PersistenceKey)
		if err != nil {
			return nil, err
		}
		defer surface.Release()

		if err := surface.WaitReady(hydrateCtx); err != nil {
			return nil, err
		}

		return surface.Rasterize(surface.VisibleShapeIDs())
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ExportMany exports every name concurrently and returns the successful
// results in the order the names were given, never completion order.
// Unknown names and failed exports are logged and skipped; they do not
// abort the remaining exports.
func (s *Service) ExportMany(ctx context.Context, names []string) []Result {
	if len(names) == 0 {
		return nil
	}

	slots := make([]*Result, len(names))
	g, gctx := errgroup.WithContext(ctx)

	for i, name := range names {
		g.Go(func() error {
			result, err := s.ExportByName(gctx, name)
			if err != nil {
				s.logger.Warn("skipping attachment",
					zap.String("canvas", name),
					zap.String("code", core.ErrorCode(err)),
					zap.Error(err))
				return nil
			}
			slots[i] = &result
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures reduce to fewer attachments

	results := make([]Result, 0, len(names))
	for _, slot := range slots {
		if slot != nil {
			results = append(results, *slot)
		}
	}
	return results
}
