package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"canvaschat/canvas"
	"canvaschat/logging"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes []write
	err    error
}

type write struct {
	key      string
	snapshot json.RawMessage
}

func (w *recordingWriter) SaveCanvasSnapshot(ctx context.Context, key string, snapshot json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, write{key: key, snapshot: snapshot})
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *recordingWriter) last() (write, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.writes) == 0 {
		return write{}, false
	}
	return w.writes[len(w.writes)-1], true
}

func waitForWrites(t *testing.T, w *recordingWriter, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if w.count() >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d writes, have %d", want, w.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBurstCoalescesToOneWrite(t *testing.T) {
	writer := &recordingWriter{}
	d := NewDebouncer(writer, 40*time.Millisecond, logging.NewTestLogger())
	surface := canvas.NewMemSurface(256)
	d.Bind(surface, "canvas-a")
	defer d.Unbind()

	for i := 0; i < 20; i++ {
		surface.PutShape(canvas.Shape{ID: "s", X: float64(i), W: 10, H: 10})
		time.Sleep(2 * time.Millisecond)
	}

	waitForWrites(t, writer, 1)
	time.Sleep(100 * time.Millisecond)
	if got := writer.count(); got != 1 {
		t.Fatalf("writes = %d, want 1 for a single burst", got)
	}

	last, _ := writer.last()
	if last.key != "canvas-a" {
		t.Errorf("write key = %q, want %q", last.key, "canvas-a")
	}
	var snap struct {
		Shapes []canvas.Shape `json:"shapes"`
	}
	if err := json.Unmarshal(last.snapshot, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snap.Shapes) != 1 || snap.Shapes[0].X != 19 {
		t.Errorf("snapshot = %+v, want the final burst state (x=19)", snap.Shapes)
	}
}

func TestQuietSurfaceNeverWrites(t *testing.T) {
	writer := &recordingWriter{}
	d := NewDebouncer(writer, 20*time.Millisecond, logging.NewTestLogger())
	surface := canvas.NewMemSurface(256)
	d.Bind(surface, "canvas-a")
	defer d.Unbind()

	time.Sleep(80 * time.Millisecond)
	if got := writer.count(); got != 0 {
		t.Errorf("writes = %d, want 0 with no mutations", got)
	}
}

func TestRebindCancelsPendingFlush(t *testing.T) {
	writer := &recordingWriter{}
	d := NewDebouncer(writer, 50*time.Millisecond, logging.NewTestLogger())
	first := canvas.NewMemSurface(256)
	second := canvas.NewMemSurface(256)

	d.Bind(first, "canvas-a")
	first.PutShape(canvas.Shape{ID: "a", W: 10, H: 10})

	// Switch before the quiet period elapses; the pending write for the
	// first canvas must not fire.
	time.Sleep(10 * time.Millisecond)
	d.Bind(second, "canvas-b")
	defer d.Unbind()

	second.PutShape(canvas.Shape{ID: "b", W: 10, H: 10})
	waitForWrites(t, writer, 1)
	time.Sleep(100 * time.Millisecond)

	if got := writer.count(); got != 1 {
		t.Fatalf("writes = %d, want 1", got)
	}
	last, _ := writer.last()
	if last.key != "canvas-b" {
		t.Errorf("write key = %q, want %q (first canvas flush must be cancelled)", last.key, "canvas-b")
	}
}

func TestUnbindCancelsPendingFlush(t *testing.T) {
	writer := &recordingWriter{}
	d := NewDebouncer(writer, 30*time.Millisecond, logging.NewTestLogger())
	surface := canvas.NewMemSurface(256)
	d.Bind(surface, "canvas-a")

	surface.PutShape(canvas.Shape{ID: "a", W: 10, H: 10})
	d.Unbind()

	time.Sleep(100 * time.Millisecond)
	if got := writer.count(); got != 0 {
		t.Errorf("writes = %d, want 0 after unbind", got)
	}
}

func TestOldSurfaceMutationsIgnoredAfterRebind(t *testing.T) {
	writer := &recordingWriter{}
	d := NewDebouncer(writer, 30*time.Millisecond, logging.NewTestLogger())
	first := canvas.NewMemSurface(256)
	second := canvas.NewMemSurface(256)

	d.Bind(first, "canvas-a")
	d.Bind(second, "canvas-b")
	defer d.Unbind()

	// The first surface's feed is unsubscribed; its edits schedule nothing.
	first.PutShape(canvas.Shape{ID: "a", W: 10, H: 10})
	time.Sleep(100 * time.Millisecond)
	if got := writer.count(); got != 0 {
		t.Errorf("writes = %d, want 0 for mutations on an unbound surface", got)
	}
}

func TestWriteErrorIsSwallowedAndRetriedNextBurst(t *testing.T) {
	writer := &recordingWriter{err: errors.New("disk full")}
	d := NewDebouncer(writer, 20*time.Millisecond, logging.NewTestLogger())
	surface := canvas.NewMemSurface(256)
	d.Bind(surface, "canvas-a")
	defer d.Unbind()

	surface.PutShape(canvas.Shape{ID: "a", W: 10, H: 10})
	time.Sleep(80 * time.Millisecond)
	if got := writer.count(); got != 0 {
		t.Fatalf("writes = %d, want 0 while the store errors", got)
	}

	writer.mu.Lock()
	writer.err = nil
	writer.mu.Unlock()

	surface.PutShape(canvas.Shape{ID: "b", W: 10, H: 10})
	waitForWrites(t, writer, 1)
}

func TestFlushWritesImmediately(t *testing.T) {
	writer := &recordingWriter{}
	d := NewDebouncer(writer, time.Hour, logging.NewTestLogger())
	surface := canvas.NewMemSurface(256)
	d.Bind(surface, "canvas-a")
	defer d.Unbind()

	surface.PutShape(canvas.Shape{ID: "a", W: 10, H: 10})
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := writer.count(); got != 1 {
		t.Errorf("writes = %d, want 1 after explicit flush", got)
	}
}

type blockingWriter struct {
	recordingWriter
	began   chan struct{}
	release chan struct{}
}

func (w *blockingWriter) SaveCanvasSnapshot(ctx context.Context, key string, snapshot json.RawMessage) error {
	w.began <- struct{}{}
	<-w.release
	return w.recordingWriter.SaveCanvasSnapshot(ctx, key, snapshot)
}

func TestRebindWaitsForInFlightWrite(t *testing.T) {
	writer := &blockingWriter{
		began:   make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	d := NewDebouncer(writer, 10*time.Millisecond, logging.NewTestLogger())
	surfaceA := canvas.NewMemSurface(256)
	d.Bind(surfaceA, "canvas-a")
	defer d.Unbind()

	surfaceA.PutShape(canvas.Shape{ID: "a", W: 10, H: 10})
	select {
	case <-writer.began:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush to start")
	}

	// Rebind while the write is in flight. Bind must not return until the
	// write has landed, so nothing for canvas-a trails the switch.
	surfaceB := canvas.NewMemSurface(256)
	bound := make(chan struct{})
	go func() {
		d.Bind(surfaceB, "canvas-b")
		close(bound)
	}()

	select {
	case <-bound:
		t.Fatal("Bind returned while a write was still in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(writer.release)
	select {
	case <-bound:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Bind to return")
	}

	if got := writer.count(); got != 1 {
		t.Fatalf("writes when Bind returned = %d, want 1", got)
	}
	if last, _ := writer.last(); last.key != "canvas-a" {
		t.Errorf("in-flight write key = %q, want %q", last.key, "canvas-a")
	}

	surfaceB.PutShape(canvas.Shape{ID: "b", W: 10, H: 10})
	waitForWrites(t, &writer.recordingWriter, 2)
	if last, _ := writer.last(); last.key != "canvas-b" {
		t.Errorf("post-rebind write key = %q, want %q", last.key, "canvas-b")
	}
}

func TestFlushUnboundIsNoop(t *testing.T) {
	writer := &recordingWriter{}
	d := NewDebouncer(writer, time.Hour, logging.NewTestLogger())
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush on unbound debouncer: %v", err)
	}
	if got := writer.count(); got != 0 {
		t.Errorf("writes = %d, want 0", got)
	}
}
