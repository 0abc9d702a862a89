package display

import (
	"image"
	"math"
)

// Point is a position in the virtual desktop, in pixels. Pointer
// coordinates arrive as floats from every session backend, so the
// desktop plane stays float until a capture rect is built.
type Point struct {
	X float64
	Y float64
}

// DistanceTo returns the Euclidean distance to q.
func (p Point) DistanceTo(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Add returns p shifted by dx, dy.
func (p Point) Add(dx, dy float64) Point {
	return Point{X: p.X + dx, Y: p.Y + dy}
}

// In reports whether p falls inside r using half-open bounds, matching
// image.Rectangle semantics.
func (p Point) In(r image.Rectangle) bool {
	return p.X >= float64(r.Min.X) && p.X < float64(r.Max.X) &&
		p.Y >= float64(r.Min.Y) && p.Y < float64(r.Max.Y)
}

// PatchAround returns the capture rect of side length side centered on
// p, before clamping.
func PatchAround(p Point, side int) image.Rectangle {
	if side < 1 {
		side = 1
	}
	half := side / 2
	x := int(math.Round(p.X))
	y := int(math.Round(p.Y))
	return image.Rect(x-half, y-half, x-half+side, y-half+side)
}

// ClampRect pulls r inside bounds, shrinking and shifting as needed.
// The result is never empty: a rect pushed past a corner collapses to
// 1x1 at that corner rather than to nothing, so a capture at the edge
// of the desktop always has at least one pixel to sample.
func ClampRect(r, bounds image.Rectangle) image.Rectangle {
	if bounds.Dx() < 1 || bounds.Dy() < 1 {
		return image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+1, bounds.Min.Y+1)
	}

	minX := clamp(r.Min.X, bounds.Min.X, bounds.Max.X-1)
	minY := clamp(r.Min.Y, bounds.Min.Y, bounds.Max.Y-1)
	maxX := clamp(r.Max.X, minX+1, bounds.Max.X)
	maxY := clamp(r.Max.Y, minY+1, bounds.Max.Y)

	return image.Rect(minX, minY, maxX, maxY)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
