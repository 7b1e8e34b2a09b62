// Package proximity classifies ground-plane points against a safe distance,
// groups violators into clusters and tabulates per-frame statistics.
//
// All inputs are ground-plane points (after homography projection) and all
// functions are pure: no state survives a call, so results for the same input
// never differ. Empty and single-point inputs are valid.
package proximity

import (
	"github.com/golang/geo/r2"
)

// Analyzer bundles the proximity parameters for one camera.
type Analyzer struct {
	// SafeDistance is in ground-plane units. Values <= 0 make every point safe.
	SafeDistance float64
	// GridThreshold is the point count above which a spatial grid replaces the
	// all-pairs scan. Zero selects DefaultGridThreshold; negative disables the grid.
	GridThreshold int
}

func (a Analyzer) threshold() int {
	if a.GridThreshold == 0 {
		return DefaultGridThreshold
	}
	return a.GridThreshold
}

// Classify returns one flag per point, true when no other point is strictly
// closer than SafeDistance.
func (a Analyzer) Classify(points []r2.Point) []bool {
	safe := make([]bool, len(points))
	for i := range safe {
		safe[i] = true
	}
	forEachViolation(points, a.SafeDistance, a.threshold(), func(i, j int) {
		safe[i] = false
		safe[j] = false
	})
	return safe
}

// ClusterViolations counts violating pairs and the connected components of
// the violation graph over all points, isolated points counting as their own
// component.
func (a Analyzer) ClusterViolations(points []r2.Point) (edges, clusters int) {
	c := a.Cluster(points)
	return c.Edges, c.Clusters
}

// Groups returns the members of every violation cluster with two or more
// people, ordered by first member.
func (a Analyzer) Groups(points []r2.Point) [][]int {
	return a.Cluster(points).Groups
}

// Clustering is the violation graph of one frame.
type Clustering struct {
	Edges    int
	Clusters int
	Groups   [][]int
}

// Cluster builds the violation graph once and reports all of its views.
func (a Analyzer) Cluster(points []r2.Point) Clustering {
	ds, edges := a.disjointSet(points)
	return Clustering{Edges: edges, Clusters: ds.Count(), Groups: ds.Groups(2)}
}

func (a Analyzer) disjointSet(points []r2.Point) (*DisjointSet, int) {
	ds := NewDisjointSet(len(points))
	edges := 0
	forEachViolation(points, a.SafeDistance, a.threshold(), func(i, j int) {
		ds.Union(i, j)
		edges++
	})
	return ds, edges
}

// Analysis is everything computed for one frame's ground points.
type Analysis struct {
	Safe   []bool
	Groups [][]int
	Stats  Statistics
}

// Analyze classifies, clusters and tabulates in one pass over the pairs.
func (a Analyzer) Analyze(points []r2.Point) Analysis {
	safe := make([]bool, len(points))
	for i := range safe {
		safe[i] = true
	}
	ds := NewDisjointSet(len(points))
	edges := 0
	forEachViolation(points, a.SafeDistance, a.threshold(), func(i, j int) {
		safe[i] = false
		safe[j] = false
		ds.Union(i, j)
		edges++
	})
	return Analysis{
		Safe:   safe,
		Groups: ds.Groups(2),
		Stats:  Aggregate(points, safe, edges, ds.Count()),
	}
}

// Classify is Analyzer.Classify with default grid settings.
func Classify(points []r2.Point, safeDistance float64) []bool {
	return Analyzer{SafeDistance: safeDistance}.Classify(points)
}

// ClusterViolations is Analyzer.ClusterViolations with default grid settings.
func ClusterViolations(points []r2.Point, safeDistance float64) (edges, clusters int) {
	return Analyzer{SafeDistance: safeDistance}.ClusterViolations(points)
}

// Analyze runs classification, clustering and aggregation with default grid
// settings.
func Analyze(points []r2.Point, safeDistance float64) ([]bool, Statistics) {
	res := Analyzer{SafeDistance: safeDistance}.Analyze(points)
	return res.Safe, res.Stats
}
