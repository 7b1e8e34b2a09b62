package geometry

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/distguard/internal/errors"
)

const tol = 1e-6

func assertPoint(t *testing.T, want, got r2.Point) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, tol, "x of %v", got)
	assert.InDelta(t, want.Y, got.Y, tol, "y of %v", got)
}

func TestBottomCenter(t *testing.T) {
	b := BoundingBox{X: 10, Y: 20, Width: 30, Height: 40}
	assert.Equal(t, r2.Point{X: 25, Y: 60}, b.BottomCenter())

	pts := BottomCenters([]BoundingBox{b, {X: 0, Y: 0, Width: 1, Height: 1}})
	assert.Equal(t, []r2.Point{{X: 25, Y: 60}, {X: 0.5, Y: 1}}, pts)
}

func TestBoundingBoxValid(t *testing.T) {
	assert.True(t, BoundingBox{Width: 0, Height: 0}.Valid())
	assert.False(t, BoundingBox{Width: -1, Height: 3}.Valid())
	assert.False(t, BoundingBox{X: math.NaN(), Width: 1, Height: 1}.Valid())
}

func TestPointInPolygon(t *testing.T) {
	square := Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}

	tests := []struct {
		name string
		pt   r2.Point
		want bool
	}{
		{"inside", r2.Point{X: 5, Y: 5}, true},
		{"outside", r2.Point{X: 15, Y: 5}, false},
		{"on edge", r2.Point{X: 10, Y: 5}, true},
		{"on bottom edge", r2.Point{X: 3, Y: 10}, true},
		{"on vertex", r2.Point{X: 0, Y: 0}, true},
		{"outside beyond vertex line", r2.Point{X: -1, Y: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PointInPolygon(tt.pt, square))
		})
	}

	concave := Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 5, Y: 5}, {X: 0, Y: 10}}
	assert.False(t, PointInPolygon(r2.Point{X: 5, Y: 8}, concave))
	assert.True(t, PointInPolygon(r2.Point{X: 5, Y: 2}, concave))

	assert.False(t, PointInPolygon(r2.Point{X: 0, Y: 0}, Polygon{{X: 0, Y: 0}, {X: 1, Y: 1}}))
}

func TestPolygonPairsRoundTrip(t *testing.T) {
	pairs := [][2]float64{{1, 2}, {3, 4}, {5, 6}}
	poly := PolygonFromPairs(pairs)
	require.Len(t, poly, 3)
	assert.Equal(t, pairs, poly.Pairs())
	assert.Nil(t, PolygonFromPairs(nil))

	assert.NoError(t, poly.Validate())
	assert.Error(t, Polygon{{X: 0, Y: 0}, {X: 1, Y: 0}}.Validate())
}

func TestBuildHomographyAxisAligned(t *testing.T) {
	quad := Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
	h, err := BuildHomography(quad, 1)
	require.NoError(t, err)

	assertPoint(t, r2.Point{X: 1, Y: 1}, h.Apply(r2.Point{X: 10, Y: 10}))
	assertPoint(t, r2.Point{X: 0.5, Y: 0.5}, h.Apply(r2.Point{X: 5, Y: 5}))
	assertPoint(t, r2.Point{X: 2, Y: 0}, h.Apply(r2.Point{X: 20, Y: 0}))
}

func TestBuildHomographyPerspective(t *testing.T) {
	// A floor tile seen at an angle: the far edge is shorter than the near edge.
	quad := Polygon{{X: 400, Y: 300}, {X: 600, Y: 300}, {X: 700, Y: 500}, {X: 300, Y: 500}}
	side := 2.0
	h, err := BuildHomography(quad, side)
	require.NoError(t, err)

	want := []r2.Point{{X: 0, Y: 0}, {X: side, Y: 0}, {X: side, Y: side}, {X: 0, Y: side}}
	got := h.Project(quad)
	require.Len(t, got, 4)
	for i := range want {
		assertPoint(t, want[i], got[i])
	}

	// Equal image spacing covers more ground further from the camera.
	near := h.Apply(r2.Point{X: 500, Y: 480}).Sub(h.Apply(r2.Point{X: 500, Y: 460})).Norm()
	far := h.Apply(r2.Point{X: 500, Y: 340}).Sub(h.Apply(r2.Point{X: 500, Y: 320})).Norm()
	assert.Greater(t, far, near)
}

func TestBuildHomographyFailures(t *testing.T) {
	square := Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}

	tests := []struct {
		name string
		quad Polygon
		side float64
	}{
		{"triangle", Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}}, 1},
		{"pentagon", append(append(Polygon{}, square...), r2.Point{X: 5, Y: 15}), 1},
		{"self-intersecting", Polygon{{X: 0, Y: 0}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 10}}, 1},
		{"zero area", Polygon{{X: 3, Y: 3}, {X: 3, Y: 3}, {X: 3, Y: 3}, {X: 3, Y: 3}}, 1},
		{"three collinear", Polygon{{X: 0, Y: 0}, {X: 5, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}}, 1},
		{"all collinear", Polygon{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}, 1},
		{"concave", Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 3, Y: 3}, {X: 0, Y: 10}}, 1},
		{"zero side", square, 0},
		{"negative side", square, -2},
		{"NaN side", square, math.NaN()},
		{"infinite vertex", Polygon{{X: 0, Y: 0}, {X: math.Inf(1), Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := BuildHomography(tt.quad, tt.side)
			require.Error(t, err)
			assert.Nil(t, h)
			assert.True(t, errors.Is(err, ErrCalibration), "want ErrCalibration, got %v", err)
			assert.NotEmpty(t, errors.Hint(err))
		})
	}
}

func TestBuildHomographyAcceptsEitherWinding(t *testing.T) {
	ccw := Polygon{{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}}
	_, err := BuildHomography(ccw, 1)
	assert.NoError(t, err)
}

func TestProjectEmpty(t *testing.T) {
	h, err := BuildHomography(Polygon{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 4}, {X: 0, Y: 4}}, 1)
	require.NoError(t, err)

	got := ProjectPoints(nil, h)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Empty(t, h.Project([]r2.Point{}))
}

func TestInverseRoundTrip(t *testing.T) {
	quad := Polygon{{X: 400, Y: 300}, {X: 600, Y: 300}, {X: 700, Y: 500}, {X: 300, Y: 500}}
	h, err := BuildHomography(quad, 1.5)
	require.NoError(t, err)

	inv, err := h.Inverse()
	require.NoError(t, err)

	for _, p := range []r2.Point{{X: 450, Y: 350}, {X: 500, Y: 420}, {X: 650, Y: 480}} {
		assertPoint(t, p, inv.Apply(h.Apply(p)))
	}
}

func TestNewHomography(t *testing.T) {
	_, err := NewHomography([]float64{})
	assert.Error(t, err)

	h, err := NewHomography([]float64{2, 0, 0, 0, 2, 0, 0, 0, 1})
	require.NoError(t, err)
	assertPoint(t, r2.Point{X: 6, Y: 8}, h.Apply(r2.Point{X: 3, Y: 4}))
	assert.Equal(t, [9]float64{2, 0, 0, 0, 2, 0, 0, 0, 1}, h.Matrix())

	singular, err := NewHomography([]float64{1, 1, 0, 1, 1, 0, 0, 0, 1})
	require.NoError(t, err)
	_, err = singular.Inverse()
	assert.Error(t, err)
}

func TestHomographyRefSwap(t *testing.T) {
	a, _ := NewHomography([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	b, _ := NewHomography([]float64{2, 0, 0, 0, 2, 0, 0, 0, 1})

	ref := NewHomographyRef(a)
	assert.Same(t, a, ref.Load())

	ref.Store(b)
	assert.Same(t, b, ref.Load())
	assertPoint(t, r2.Point{X: 2, Y: 2}, ref.Load().Apply(r2.Point{X: 1, Y: 1}))

	assert.Nil(t, (&HomographyRef{}).Load())
}
