// Package canvas models drawing surfaces and the tab registry over them.
//
// The real rendering/editing engine is an external collaborator; this
// package defines the narrow contract the pipeline consumes (shape ids,
// rasterization, snapshots, a mutation feed) plus an in-memory surface
// used for wiring and tests.
package canvas

import (
	"context"
	"encoding/json"
)

// Surface is one live drawing surface.
//
// The pipeline only reads from surfaces: export rasterizes the visible
// shapes and the sync debouncer captures snapshots. The sole writer of
// surface state is the user's direct interaction with the drawing tool.
type Surface interface {
	// VisibleShapeIDs enumerates every shape id on the visible page.
	VisibleShapeIDs() []string

	// Rasterize renders exactly the given shape id set to PNG bytes.
	// An empty id set yields a valid blank image, not an error.
	Rasterize(shapeIDs []string) ([]byte, error)

	// Snapshot captures the surface's full persistable state.
	Snapshot() (json.RawMessage, error)

	// SubscribeMutations registers a callback invoked after every surface
	// mutation. The returned function unsubscribes; it is idempotent.
	SubscribeMutations(fn func()) (unsubscribe func())
}

// OffscreenSurface is a throwaway surface materialized for exporting a
// non-active canvas. It hydrates asynchronously from persisted state.
type OffscreenSurface interface {
	Surface

	// WaitReady blocks until hydration completes or ctx is done.
	// A hydration failure is returned here, not from Acquire.
	WaitReady(ctx context.Context) error

	// Release disposes the instance. It must be called on every exit
	// path, success or failure, and is safe to call more than once.
	Release()
}

// SurfaceFactory materializes offscreen surfaces bound to a persistence key.
type SurfaceFactory interface {
	Acquire(ctx context.Context, persistenceKey string) (OffscreenSurface, error)
}
