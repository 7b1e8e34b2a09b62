package proximity

import (
	"math"

	"github.com/golang/geo/r2"
)

// DefaultGridThreshold is the point count above which violating pairs are
// found through a uniform grid instead of the all-pairs scan.
const DefaultGridThreshold = 256

// maxCell bounds grid cell coordinates so they convert to int64 safely.
const maxCell = 1 << 52

// violates is the single proximity predicate: strict L2 distance below d.
func violates(p, q r2.Point, d float64) bool {
	return p.Sub(q).Norm() < d
}

// forEachViolation calls fn(i, j), j < i, exactly once for every pair of
// points closer than d. The grid is used when len(points) exceeds
// gridThreshold and every point maps to a representable cell; otherwise the
// O(n²) scan runs. Both paths report the same set of pairs.
func forEachViolation(points []r2.Point, d float64, gridThreshold int, fn func(i, j int)) {
	if !(d > 0) || len(points) < 2 {
		return
	}
	if gridThreshold >= 0 && len(points) > gridThreshold && !math.IsInf(d, 1) {
		if grid, ok := newGrid(points, d); ok {
			grid.each(points, d, fn)
			return
		}
	}
	for i := 1; i < len(points); i++ {
		for j := 0; j < i; j++ {
			if violates(points[i], points[j], d) {
				fn(i, j)
			}
		}
	}
}

type cellKey struct{ x, y int64 }

// grid buckets point indices into square cells of side d, so any pair closer
// than d sits in the same or an adjacent cell.
type grid struct {
	size  float64
	cells map[cellKey][]int
	keys  []cellKey
	valid []bool
}

func newGrid(points []r2.Point, d float64) (*grid, bool) {
	g := &grid{
		size:  d,
		cells: make(map[cellKey][]int, len(points)),
		keys:  make([]cellKey, len(points)),
		valid: make([]bool, len(points)),
	}
	for i, p := range points {
		// Non-finite points are never closer than d to anything.
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			continue
		}
		cx, cy := math.Floor(p.X/d), math.Floor(p.Y/d)
		if math.Abs(cx) > maxCell || math.Abs(cy) > maxCell {
			return nil, false
		}
		key := cellKey{int64(cx), int64(cy)}
		g.keys[i] = key
		g.valid[i] = true
		g.cells[key] = append(g.cells[key], i)
	}
	return g, true
}

func (g *grid) each(points []r2.Point, d float64, fn func(i, j int)) {
	for i, p := range points {
		if !g.valid[i] {
			continue
		}
		k := g.keys[i]
		for dx := int64(-1); dx <= 1; dx++ {
			for dy := int64(-1); dy <= 1; dy++ {
				for _, j := range g.cells[cellKey{k.x + dx, k.y + dy}] {
					if j < i && violates(p, points[j], d) {
						fn(i, j)
					}
				}
			}
		}
	}
}
