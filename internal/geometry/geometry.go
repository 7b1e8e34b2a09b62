// Package geometry holds the image-space primitives (boxes, polygons) and the
// planar homography that maps image points onto the metric ground plane.
//
// Image-space and ground-plane points share the r2.Point type but live in
// different frames; the only way from one to the other is Homography.Project.
package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
)

// BoundingBox is a detection rectangle in image pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether the box has finite coordinates and non-negative size.
func (b BoundingBox) Valid() bool {
	for _, v := range [...]float64{b.X, b.Y, b.Width, b.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.Width >= 0 && b.Height >= 0
}

// BottomCenter is the ground-contact point of a detected person: the middle
// of the bottom edge. Every proximity computation uses this point.
func (b BoundingBox) BottomCenter() r2.Point {
	return r2.Point{X: b.X + b.Width/2, Y: b.Y + b.Height}
}

// BottomCenters maps boxes to their ground-contact points, preserving order.
func BottomCenters(boxes []BoundingBox) []r2.Point {
	points := make([]r2.Point, len(boxes))
	for i, b := range boxes {
		points[i] = b.BottomCenter()
	}
	return points
}

// Polygon is an implicitly closed ring of image-space vertices.
type Polygon []r2.Point

// PolygonFromPairs converts [[x, y], ...] (the config file form) to a Polygon.
func PolygonFromPairs(pairs [][2]float64) Polygon {
	if len(pairs) == 0 {
		return nil
	}
	poly := make(Polygon, len(pairs))
	for i, p := range pairs {
		poly[i] = r2.Point{X: p[0], Y: p[1]}
	}
	return poly
}

// Pairs is the inverse of PolygonFromPairs.
func (p Polygon) Pairs() [][2]float64 {
	if len(p) == 0 {
		return nil
	}
	pairs := make([][2]float64, len(p))
	for i, v := range p {
		pairs[i] = [2]float64{v.X, v.Y}
	}
	return pairs
}

// Validate checks the minimum shape of a region polygon.
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return fmt.Errorf("polygon needs at least 3 vertices, got %d", len(p))
	}
	for i, v := range p {
		if !finite(v) {
			return fmt.Errorf("polygon vertex %d is not finite: %v", i, v)
		}
	}
	return nil
}

// Area returns the signed shoelace area. The sign follows vertex winding.
func (p Polygon) Area() float64 {
	var sum float64
	for i := range p {
		a, b := p[i], p[(i+1)%len(p)]
		sum += a.Cross(b)
	}
	return sum / 2
}

// PointInPolygon reports whether pt lies inside poly or on its boundary.
// Polygons with fewer than 3 vertices contain nothing.
func PointInPolygon(pt r2.Point, poly Polygon) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[j], poly[i]
		if onSegment(pt, a, b) {
			return true
		}
		if (b.Y > pt.Y) != (a.Y > pt.Y) {
			x := (a.X-b.X)*(pt.Y-b.Y)/(a.Y-b.Y) + b.X
			if pt.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// onSegment tests whether p lies on the closed segment ab.
func onSegment(p, a, b r2.Point) bool {
	ab, ap := b.Sub(a), p.Sub(a)
	length := ab.Norm()
	if length == 0 {
		return ap.Norm() <= boundaryEpsilon
	}
	if math.Abs(ab.Cross(ap))/length > boundaryEpsilon {
		return false
	}
	dot := ap.Dot(ab)
	return dot >= -boundaryEpsilon*length && dot <= length*length+boundaryEpsilon*length
}

// boundaryEpsilon is the distance, in pixels, within which a point counts as
// lying on a polygon edge.
const boundaryEpsilon = 1e-9

func finite(p r2.Point) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}
