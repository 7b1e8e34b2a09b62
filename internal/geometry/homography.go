package geometry

import (
	"math"
	"sync/atomic"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"github.com/andresmejia3/distguard/internal/errors"
)

// ErrCalibration marks every failure to build a homography from a calibration
// quad. Callers match it with errors.Is.
var ErrCalibration = errors.New("calibration error")

// cornerHint is attached to calibration errors shown to users.
const cornerHint = "pick the 4 corners of a real-world square in order: top-left, top-right, bottom-right, bottom-left"

// Homography is an immutable 3x3 projective transform, row-major.
// Build one with BuildHomography or NewHomography and share it read-only.
type Homography struct {
	m [9]float64
}

// NewHomography wraps a row-major 3x3 matrix.
func NewHomography(vals []float64) (*Homography, error) {
	if len(vals) != 9 {
		return nil, errors.Newf("homography needs 9 values, got %d", len(vals))
	}
	h := &Homography{}
	copy(h.m[:], vals)
	return h, nil
}

// BuildHomography computes the transform taking the calibration quad corners
// (top-left, top-right, bottom-right, bottom-left in the image) onto the metric
// square (0,0), (side,0), (side,side), (0,side). Ground-plane units are the
// units of side.
func BuildHomography(quad Polygon, side float64) (*Homography, error) {
	if err := validateQuad(quad, side); err != nil {
		return nil, err
	}

	dst := [4]r2.Point{{X: 0, Y: 0}, {X: side, Y: 0}, {X: side, Y: side}, {X: 0, Y: side}}

	// Direct linear transform with h33 fixed at 1: two rows per correspondence.
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i, p := range quad {
		q := dst[i]
		a.SetRow(2*i, []float64{p.X, p.Y, 1, 0, 0, 0, -q.X * p.X, -q.X * p.Y})
		b.SetVec(2*i, q.X)
		a.SetRow(2*i+1, []float64{0, 0, 0, p.X, p.Y, 1, -q.Y * p.X, -q.Y * p.Y})
		b.SetVec(2*i+1, q.Y)
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil && !wellConditioned(err) {
		return nil, errors.WithHint(
			errors.Mark(errors.Wrap(err, "calibration quad gives a singular system"), ErrCalibration),
			cornerHint,
		)
	}

	h := &Homography{}
	for i := 0; i < 8; i++ {
		h.m[i] = x.AtVec(i)
	}
	h.m[8] = 1
	for _, v := range h.m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Mark(errors.New("calibration produced a non-finite transform"), ErrCalibration)
		}
	}
	return h, nil
}

// wellConditioned accepts gonum's finite Condition warning: pixel-scale inputs
// produce large but usable condition numbers. Singular systems report +Inf.
func wellConditioned(err error) bool {
	var cond mat.Condition
	if !errors.As(err, &cond) {
		return false
	}
	return !math.IsInf(float64(cond), 1)
}

// validateQuad rejects everything that cannot be the image of a real-world
// square: wrong vertex count, non-positive side, zero area, collinear corners
// and self-intersecting or concave outlines.
func validateQuad(quad Polygon, side float64) error {
	calibrationErr := func(format string, args ...interface{}) error {
		return errors.WithHint(errors.Mark(errors.Newf(format, args...), ErrCalibration), cornerHint)
	}

	if len(quad) != 4 {
		return calibrationErr("calibration polygon must have exactly 4 vertices, got %d", len(quad))
	}
	if !(side > 0) || math.IsInf(side, 0) {
		return calibrationErr("calibration side length must be positive, got %v", side)
	}
	for i, p := range quad {
		if !finite(p) {
			return calibrationErr("calibration vertex %d is not finite: %v", i, p)
		}
	}

	// Scale the tolerance with the quad so pixel and normalised inputs behave alike.
	var extent float64
	for _, p := range quad {
		extent = math.Max(extent, math.Max(math.Abs(p.X), math.Abs(p.Y)))
	}
	tol := 1e-9 * math.Max(extent*extent, 1)

	if math.Abs(quad.Area()) <= tol {
		return calibrationErr("calibration polygon has zero area")
	}

	var sign float64
	for i := range quad {
		a, b, c := quad[i], quad[(i+1)%4], quad[(i+2)%4]
		turn := b.Sub(a).Cross(c.Sub(b))
		if math.Abs(turn) <= tol {
			return calibrationErr("calibration corners %d, %d and %d are collinear", i, (i+1)%4, (i+2)%4)
		}
		if sign == 0 {
			sign = math.Copysign(1, turn)
		} else if math.Copysign(1, turn) != sign {
			return calibrationErr("calibration polygon is self-intersecting or not convex")
		}
	}
	return nil
}

// Apply projects a single point. Points on the vanishing line map to ±Inf.
func (h *Homography) Apply(p r2.Point) r2.Point {
	m := &h.m
	x := m[0]*p.X + m[1]*p.Y + m[2]
	y := m[3]*p.X + m[4]*p.Y + m[5]
	w := m[6]*p.X + m[7]*p.Y + m[8]
	return r2.Point{X: x / w, Y: y / w}
}

// Project applies the homography to a batch of image points, keeping order.
// An empty batch yields an empty, non-nil slice.
func (h *Homography) Project(points []r2.Point) []r2.Point {
	out := make([]r2.Point, len(points))
	for i, p := range points {
		out[i] = h.Apply(p)
	}
	return out
}

// ProjectPoints is Project in free-function form.
func ProjectPoints(points []r2.Point, h *Homography) []r2.Point {
	return h.Project(points)
}

// Matrix returns a copy of the row-major coefficients.
func (h *Homography) Matrix() [9]float64 {
	return h.m
}

// Inverse returns the ground-to-image transform.
func (h *Homography) Inverse() (*Homography, error) {
	src := mat.NewDense(3, 3, h.m[:])
	var inv mat.Dense
	if err := inv.Inverse(src); err != nil && !wellConditioned(err) {
		return nil, errors.Wrap(err, "homography is not invertible")
	}
	out := &Homography{}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.m[r*3+c] = inv.At(r, c)
		}
	}
	return out, nil
}

// HomographyRef is the shared, replace-only handle to a camera's homography.
// Readers always see a complete transform; recalibration swaps the pointer.
type HomographyRef struct {
	p atomic.Pointer[Homography]
}

// NewHomographyRef returns a ref holding h.
func NewHomographyRef(h *Homography) *HomographyRef {
	r := &HomographyRef{}
	r.p.Store(h)
	return r
}

// Load returns the current homography, or nil if none was stored.
func (r *HomographyRef) Load() *Homography {
	return r.p.Load()
}

// Store replaces the homography.
func (r *HomographyRef) Store(h *Homography) {
	r.p.Store(h)
}
