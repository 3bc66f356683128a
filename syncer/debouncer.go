// Package syncer persists canvas state to the durable store after bursts
// of edits settle. Every mutation restarts a quiet-period timer; only when
// the canvas has been still for the full period does a snapshot get
// written, so a drag producing hundreds of mutations costs one write.
package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"canvaschat/canvas"
	"canvaschat/core"
	"canvaschat/logging"
)

// DefaultQuietPeriod is how long a canvas must stay untouched before its
// state is flushed.
const DefaultQuietPeriod = 2 * time.Second

// SnapshotWriter persists one canvas snapshot under its persistence key.
type SnapshotWriter interface {
	SaveCanvasSnapshot(ctx context.Context, persistenceKey string, snapshot json.RawMessage) error
}

// Debouncer watches a single bound surface and writes its snapshot after
// each quiet period. Rebinding to another surface discards any pending
// flush for the old one; unwritten edits to the old canvas are lost, which
// mirrors how the editor treats tab switches.
type Debouncer struct {
	writer      SnapshotWriter
	quietPeriod time.Duration
	logger      *logging.Logger

	mu          sync.Mutex
	generation  uint64
	timer       *time.Timer
	unsubscribe func()
	surface     canvas.Surface
	key         string
}

// NewDebouncer creates an unbound debouncer. quietPeriod <= 0 selects the
// default.
func NewDebouncer(writer SnapshotWriter, quietPeriod time.Duration, logger *logging.Logger) *Debouncer {
	if quietPeriod <= 0 {
		quietPeriod = DefaultQuietPeriod
	}
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Debouncer{
		writer:      writer,
		quietPeriod: quietPeriod,
		logger:      logger.Named("syncer"),
	}
}

// Bind attaches the debouncer to a surface. Any binding to a previous
// surface is torn down first, including its pending timer.
func (d *Debouncer) Bind(surface canvas.Surface, persistenceKey string) {
	d.mu.Lock()
	d.teardownLocked()
	d.surface = surface
	d.key = persistenceKey
	gen := d.generation
	d.mu.Unlock()

	unsubscribe := surface.SubscribeMutations(func() {
		d.touch(gen)
	})

	d.mu.Lock()
	if d.generation != gen {
		// Rebound while subscribing; drop the stale subscription.
		d.mu.Unlock()
		unsubscribe()
		return
	}
	d.unsubscribe = unsubscribe
	d.mu.Unlock()
}

// Unbind detaches from the current surface and cancels any pending flush.
func (d *Debouncer) Unbind() {
	d.mu.Lock()
	d.teardownLocked()
	d.mu.Unlock()
}

// teardownLocked bumps the generation so in-flight timers and mutation
// callbacks from the old binding become no-ops. Caller holds d.mu.
func (d *Debouncer) teardownLocked() {
	d.generation++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	d.surface = nil
	d.key = ""
}

// touch restarts the quiet-period timer for the given binding generation.
func (d *Debouncer) touch(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generation != gen {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quietPeriod, func() {
		d.flush(gen)
	})
}

// flush snapshots the bound surface and writes it. Write failures are
// logged and swallowed; the next mutation schedules a fresh attempt with
// the then-current state.
//
// The mutex is held across the write so a concurrent Bind or Unbind cannot
// complete while a flush for the old binding is in flight: once a rebind
// returns, no write for the previous key can land afterward.
func (d *Debouncer) flush(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generation != gen || d.surface == nil {
		return
	}
	key := d.key
	d.timer = nil

	snapshot, err := d.surface.Snapshot()
	if err != nil {
		d.logger.Error("snapshot failed", zap.String("canvas", key), zap.Error(err))
		return
	}
	if err := d.writer.SaveCanvasSnapshot(context.Background(), key, snapshot); err != nil {
		werr := core.ErrSyncWriteFailed(key, err)
		d.logger.Error("persist failed",
			zap.String("canvas", key),
			zap.String("code", werr.Code),
			zap.Error(err))
	}
}

// Flush persists the bound surface immediately, bypassing the quiet
// period. Used on shutdown and explicit saves. A debouncer with no binding
// flushes nothing.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.surface == nil {
		return nil
	}
	key := d.key
	snapshot, err := d.surface.Snapshot()
	if err != nil {
		return core.ErrSyncWriteFailed(key, err)
	}
	if err := d.writer.SaveCanvasSnapshot(ctx, key, snapshot); err != nil {
		return core.ErrSyncWriteFailed(key, err)
	}
	return nil
}
