// Package geom provides the point-in-polygon test used to decide whether a
// detection's centroid lies inside the counting region.
package geom

import (
	"fmt"
	"math"
)

// onEdgeEpsilon absorbs floating-point error in the collinearity test.
const onEdgeEpsilon = 1e-9

// Point is an image-space coordinate in pixels.
type Point struct {
	X, Y float64
}

// Finite reports whether both coordinates are finite numbers.
func (p Point) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// Polygon is a closed simple polygon given by its vertices in order.
// The closing edge from the last vertex back to the first is implicit.
type Polygon []Point

// NewPolygon builds a Polygon from [[x,y],...] pairs as found in config files.
func NewPolygon(pts [][]float64) (Polygon, error) {
	poly := make(Polygon, 0, len(pts))
	for i, p := range pts {
		if len(p) != 2 {
			return nil, fmt.Errorf("vertex %d: want [x, y], got %d values", i, len(p))
		}
		pt := Point{X: p[0], Y: p[1]}
		if !pt.Finite() {
			return nil, fmt.Errorf("vertex %d: coordinates must be finite", i)
		}
		poly = append(poly, pt)
	}
	if len(poly) < 3 {
		return nil, fmt.Errorf("polygon needs at least 3 vertices, got %d", len(poly))
	}
	return poly, nil
}

// Contains reports whether p lies inside the polygon or on its boundary.
// Polygons with fewer than 3 vertices contain nothing.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n < 3 || !p.Finite() {
		return false
	}

	j := n - 1
	for i := 0; i < n; i++ {
		if onSegment(p, poly[j], poly[i]) {
			return true
		}
		j = i
	}

	// Ray casting
	inside := false
	j = n - 1
	for i := 0; i < n; i++ {
		xi, yi := poly[i].X, poly[i].Y
		xj, yj := poly[j].X, poly[j].Y
		if (yi > p.Y) != (yj > p.Y) && p.X < (xj-xi)*(p.Y-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

func onSegment(p, a, b Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > onEdgeEpsilon*math.Max(1, math.Hypot(b.X-a.X, b.Y-a.Y)) {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-onEdgeEpsilon && p.X <= math.Max(a.X, b.X)+onEdgeEpsilon &&
		p.Y >= math.Min(a.Y, b.Y)-onEdgeEpsilon && p.Y <= math.Max(a.Y, b.Y)+onEdgeEpsilon
}

// BBox is an axis-aligned box as x1, y1, x2, y2.
type BBox [4]float64

// Centroid returns the centre of the box.
func (b BBox) Centroid() Point {
	return Point{X: (b[0] + b[2]) / 2, Y: (b[1] + b[3]) / 2}
}

// Finite reports whether all four coordinates are finite.
func (b BBox) Finite() bool {
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
