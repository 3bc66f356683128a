package canvas

import (
	"bytes"
	"image/png"
	"testing"
)

func TestRasterizeEmptyIsBlankImage(t *testing.T) {
	surface := NewMemSurface(0)

	data, err := surface.Rasterize(nil)
	if err != nil {
		t.Fatalf("Rasterize(nil) error = %v, want blank image", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode error = %v", err)
	}
	if img.Bounds().Dx() != blankImageSize || img.Bounds().Dy() != blankImageSize {
		t.Errorf("blank image bounds = %v, want %dx%d", img.Bounds(), blankImageSize, blankImageSize)
	}
}

func TestRasterizeShapes(t *testing.T) {
	surface := NewMemSurface(0)
	surface.PutShape(Shape{ID: "a", X: 0, Y: 0, W: 100, H: 50, Color: "#ff0000"})
	surface.PutShape(Shape{ID: "b", X: 200, Y: 100, W: 40, H: 40})

	data, err := surface.Rasterize(surface.VisibleShapeIDs())
	if err != nil {
		t.Fatalf("Rasterize error = %v", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode error = %v", err)
	}

	// Bounding box is 240x140 plus margins.
	wantW, wantH := 240+2*rasterMargin, 140+2*rasterMargin
	if img.Bounds().Dx() != wantW || img.Bounds().Dy() != wantH {
		t.Errorf("bounds = %v, want %dx%d", img.Bounds(), wantW, wantH)
	}

	// A pixel inside the first shape is red.
	r, g, b, _ := img.At(rasterMargin+10, rasterMargin+10).RGBA()
	if r>>8 != 0xff || g>>8 != 0 || b>>8 != 0 {
		t.Errorf("shape pixel = %d,%d,%d, want red", r>>8, g>>8, b>>8)
	}
}

func TestRasterizeUnknownIDsIgnored(t *testing.T) {
	surface := NewMemSurface(0)
	surface.PutShape(Shape{ID: "a", W: 10, H: 10})

	if _, err := surface.Rasterize([]string{"a", "ghost"}); err != nil {
		t.Errorf("Rasterize with unknown id error = %v, want nil", err)
	}
}

func TestRasterizeScalesToFit(t *testing.T) {
	surface := NewMemSurface(64)
	surface.PutShape(Shape{ID: "big", W: 4000, H: 1000})

	data, err := surface.Rasterize(surface.VisibleShapeIDs())
	if err != nil {
		t.Fatalf("Rasterize error = %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode error = %v", err)
	}
	if img.Bounds().Dx() > 64 || img.Bounds().Dy() > 64 {
		t.Errorf("bounds = %v, want longest edge <= 64", img.Bounds())
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	surface := NewMemSurface(0)
	surface.PutShape(Shape{ID: "a", X: 1, Y: 2, W: 3, H: 4, Color: "#00ff00"})
	surface.PutShape(Shape{ID: "b", W: 5, H: 5})
	surface.DeleteShape("b")

	snapshot, err := surface.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot error = %v", err)
	}

	restored := NewMemSurface(0)
	if err := restored.Restore(snapshot); err != nil {
		t.Fatalf("Restore error = %v", err)
	}

	ids := restored.VisibleShapeIDs()
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("restored ids = %v, want [a]", ids)
	}
}

func TestRestoreEmptySnapshot(t *testing.T) {
	surface := NewMemSurface(0)
	if err := surface.Restore(nil); err != nil {
		t.Errorf("Restore(nil) error = %v", err)
	}
	if got := surface.VisibleShapeIDs(); len(got) != 0 {
		t.Errorf("ids after empty restore = %v, want none", got)
	}
}

func TestMutationFeed(t *testing.T) {
	surface := NewMemSurface(0)

	var calls int
	unsubscribe := surface.SubscribeMutations(func() { calls++ })

	surface.PutShape(Shape{ID: "a", W: 1, H: 1})
	surface.PutShape(Shape{ID: "a", W: 2, H: 2}) // replace also notifies
	surface.DeleteShape("a")
	surface.DeleteShape("a") // no-op delete stays silent

	if calls != 3 {
		t.Errorf("mutation callbacks = %d, want 3", calls)
	}

	unsubscribe()
	unsubscribe() // idempotent
	surface.PutShape(Shape{ID: "b", W: 1, H: 1})
	if calls != 3 {
		t.Errorf("callback after unsubscribe = %d, want 3", calls)
	}
}
