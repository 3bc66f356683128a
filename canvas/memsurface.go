package canvas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"golang.org/x/image/draw"
)

// Shape is one rectangle on an in-memory surface. The real drawing engine
// has a far richer shape model; rectangles with a fill color are enough to
// exercise rasterization, snapshots, and the mutation feed.
type Shape struct {
	ID    string  `json:"id"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
	Color string  `json:"color"` // "#RRGGBB"; empty means black
}

// surfaceSnapshot is the persisted JSON shape of a MemSurface.
type surfaceSnapshot struct {
	Shapes []Shape `json:"shapes"`
}

// Rasterization bounds.
const (
	blankImageSize = 256
	rasterMargin   = 16
)

// MemSurface is an in-memory Surface implementation. Shape mutations fan
// out to subscribers synchronously, matching the change feed the real
// editor exposes.
type MemSurface struct {
	mu        sync.RWMutex
	shapes    []Shape
	subs      map[int]func()
	nextSub   int
	maxPixels int
}

// NewMemSurface creates an empty surface. maxPixels bounds the longest edge
// of rasterized output; values below 16 fall back to 1024.
func NewMemSurface(maxPixels int) *MemSurface {
	if maxPixels < 16 {
		maxPixels = 1024
	}
	return &MemSurface{
		subs:      make(map[int]func()),
		maxPixels: maxPixels,
	}
}

// PutShape adds or replaces a shape and notifies subscribers.
func (s *MemSurface) PutShape(shape Shape) {
	s.mu.Lock()
	replaced := false
	for i := range s.shapes {
		if s.shapes[i].ID == shape.ID {
			s.shapes[i] = shape
			replaced = true
			break
		}
	}
	if !replaced {
		s.shapes = append(s.shapes, shape)
	}
	s.mu.Unlock()
	s.notify()
}

// DeleteShape removes a shape and notifies subscribers. Unknown ids are a no-op.
func (s *MemSurface) DeleteShape(id string) {
	s.mu.Lock()
	deleted := false
	for i := range s.shapes {
		if s.shapes[i].ID == id {
			s.shapes = append(s.shapes[:i], s.shapes[i+1:]...)
			deleted = true
			break
		}
	}
	s.mu.Unlock()
	if deleted {
		s.notify()
	}
}

// VisibleShapeIDs enumerates every shape id on the surface.
func (s *MemSurface) VisibleShapeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.shapes))
	for i, shape := range s.shapes {
		ids[i] = shape.ID
	}
	return ids
}

// Snapshot captures the surface's full state as JSON.
func (s *MemSurface) Snapshot() (json.RawMessage, error) {
	s.mu.RLock()
	snap := surfaceSnapshot{Shapes: make([]Shape, len(s.shapes))}
	copy(snap.Shapes, s.shapes)
	s.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal surface snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the surface state from a snapshot previously produced by
// Snapshot. A nil or empty snapshot yields an empty surface. Restore does
// not notify subscribers: hydration is not a user mutation.
func (s *MemSurface) Restore(snapshot json.RawMessage) error {
	var snap surfaceSnapshot
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &snap); err != nil {
			return fmt.Errorf("failed to decode surface snapshot: %w", err)
		}
	}

	s.mu.Lock()
	s.shapes = snap.Shapes
	s.mu.Unlock()
	return nil
}

// SubscribeMutations registers a callback for every mutation.
func (s *MemSurface) SubscribeMutations(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *MemSurface) notify() {
	s.mu.RLock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// Rasterize renders the given shape id set to PNG bytes on a white
// background. Unknown ids are ignored. An empty result set produces a
// blank image.
func (s *MemSurface) Rasterize(shapeIDs []string) ([]byte, error) {
	s.mu.RLock()
	byID := make(map[string]Shape, len(s.shapes))
	for _, shape := range s.shapes {
		byID[shape.ID] = shape
	}
	s.mu.RUnlock()

	var selected []Shape
	for _, id := range shapeIDs {
		if shape, ok := byID[id]; ok {
			selected = append(selected, shape)
		}
	}

	img := renderShapes(selected)
	img = scaleToFit(img, s.maxPixels)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// renderShapes draws filled rectangles on a white canvas sized to the
// shapes' bounding box plus a margin.
func renderShapes(shapes []Shape) *image.RGBA {
	if len(shapes) == 0 {
		img := image.NewRGBA(image.Rect(0, 0, blankImageSize, blankImageSize))
		draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
		return img
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, shape := range shapes {
		minX = math.Min(minX, shape.X)
		minY = math.Min(minY, shape.Y)
		maxX = math.Max(maxX, shape.X+shape.W)
		maxY = math.Max(maxY, shape.Y+shape.H)
	}

	width := int(math.Ceil(maxX-minX)) + 2*rasterMargin
	height := int(math.Ceil(maxY-minY)) + 2*rasterMargin
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	for _, shape := range shapes {
		fill := parseHexColor(shape.Color)
		rect := image.Rect(
			rasterMargin+int(shape.X-minX),
			rasterMargin+int(shape.Y-minY),
			rasterMargin+int(shape.X-minX+shape.W),
			rasterMargin+int(shape.Y-minY+shape.H),
		)
		draw.Draw(img, rect, image.NewUniform(fill), image.Point{}, draw.Over)
	}

	return img
}

// scaleToFit downscales the image so its longest edge fits maxPixels,
// using high-quality CatmullRom interpolation. Images already within
// bounds are returned unchanged.
func scaleToFit(img *image.RGBA, maxPixels int) *image.RGBA {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	longest := width
	if height > longest {
		longest = height
	}
	if longest <= maxPixels {
		return img
	}

	scale := float64(maxPixels) / float64(longest)
	dst := image.NewRGBA(image.Rect(0, 0,
		int(float64(width)*scale), int(float64(height)*scale)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// parseHexColor decodes "#RRGGBB"; anything else renders black.
func parseHexColor(s string) color.RGBA {
	c := color.RGBA{A: 0xff}
	if len(s) != 7 || s[0] != '#' {
		return c
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s[1:], "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{A: 0xff}
	}
	c.R, c.G, c.B = r, g, b
	return c
}
