package stages

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/geometry"
	"github.com/andresmejia3/distguard/internal/pipeline"
)

// TopDownOptions frame the bird's-eye view.
type TopDownOptions struct {
	// Bounds is the ground-plane rectangle shown, in ground units.
	Bounds r2.Rect
	// Width of the rendering in pixels; the height follows Bounds' aspect.
	Width int
	// SafeDistance draws a circle of half this radius around each person, so
	// circles overlap exactly when two people are too close.
	SafeDistance float64
}

// DefaultTopDownBounds centres a view on the calibration square, reaching
// span side lengths in every direction.
func DefaultTopDownBounds(side, span float64) r2.Rect {
	c := r2.Point{X: side / 2, Y: side / 2}
	return r2.RectFromCenterSize(c, r2.Point{X: side * (2*span + 1), Y: side * (2*span + 1)})
}

// TopDown warps the frame onto the ground plane and marks each person there.
type TopDown struct {
	ref  *geometry.HomographyRef
	opts TopDownOptions

	width, height int
	scale         float64

	// inverse cache, valid while the ref holds forward
	forward *geometry.Homography
	inverse *geometry.Homography
}

func NewTopDown(ref *geometry.HomographyRef, opts TopDownOptions) (*TopDown, error) {
	size := opts.Bounds.Size()
	if opts.Bounds.IsEmpty() || size.X <= 0 || size.Y <= 0 {
		return nil, errors.New("top-down bounds must have a positive area")
	}
	if opts.Width <= 0 {
		opts.Width = 480
	}
	scale := float64(opts.Width) / size.X
	height := int(math.Round(size.Y * scale))
	if height < 1 {
		height = 1
	}
	return &TopDown{ref: ref, opts: opts, width: opts.Width, height: height, scale: scale}, nil
}

func (t *TopDown) Name() string { return "top-down" }

// toPixel maps a ground point into the rendering.
func (t *TopDown) toPixel(p r2.Point) r2.Point {
	return p.Sub(t.opts.Bounds.Lo()).Mul(t.scale)
}

func (t *TopDown) inverseFor(h *geometry.Homography) (*geometry.Homography, error) {
	if h == t.forward && t.inverse != nil {
		return t.inverse, nil
	}
	inv, err := h.Inverse()
	if err != nil {
		return nil, err
	}
	t.forward, t.inverse = h, inv
	return inv, nil
}

func (t *TopDown) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	if fc.Image == nil {
		return pipeline.Fail(errors.New("frame is not decoded, add the decode stage first"))
	}
	h := t.ref.Load()
	if h == nil {
		return pipeline.Fail(ErrNoHomography)
	}
	inv, err := t.inverseFor(h)
	if err != nil {
		return pipeline.Fail(err)
	}

	src := fc.Image
	sb := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, t.width, t.height))
	lo := t.opts.Bounds.Lo()
	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			g := r2.Point{X: lo.X + (float64(x)+0.5)/t.scale, Y: lo.Y + (float64(y)+0.5)/t.scale}
			p := inv.Apply(g)
			if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
				continue
			}
			px, py := int(math.Floor(p.X))+sb.Min.X, int(math.Floor(p.Y))+sb.Min.Y
			if px < sb.Min.X || py < sb.Min.Y || px >= sb.Max.X || py >= sb.Max.Y {
				continue
			}
			out.Set(x, y, src.At(px, py))
		}
	}

	dc := gg.NewContextForRGBA(out)
	radius := t.opts.SafeDistance / 2 * t.scale
	for i, g := range fc.Ground {
		p := t.toPixel(g)
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			continue
		}
		var c color.Color = colorSafe
		if i < len(fc.Safe) && !fc.Safe[i] {
			c = colorUnsafe
		}
		dc.SetColor(c)
		dc.DrawCircle(p.X, p.Y, 4)
		dc.Fill()
		if radius > 0 {
			dc.SetLineWidth(1)
			dc.DrawCircle(p.X, p.Y, radius)
			dc.Stroke()
		}
	}
	fc.TopDown = out
	return pipeline.Continue(fc)
}
