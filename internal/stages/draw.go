package stages

import (
	"context"
	"image/color"
	"math"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/geometry"
	"github.com/andresmejia3/distguard/internal/pipeline"
)

var (
	colorUnsafe  = color.RGBA{R: 230, A: 255}
	colorSafe    = color.RGBA{G: 230, A: 255}
	colorOutline = color.RGBA{G: 255, B: 255, A: 255}
	// 20% red over everything outside the region of interest.
	colorOutside = color.NRGBA{R: 255, A: 51}
	colorPanel   = color.NRGBA{A: 160}
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

var errNoCanvas = errors.New("frame has no canvas, add the decode stage first")

// lineWidth scales strokes with the frame height, between 1 and 2 pixels.
func lineWidth(height int) float64 {
	return math.Max(1, math.Min(float64(height)/300, 2))
}

// DrawRegion shades the frame outside the region of interest and outlines
// the region.
type DrawRegion struct {
	region geometry.Polygon
}

func NewDrawRegion(region geometry.Polygon) *DrawRegion {
	return &DrawRegion{region: region}
}

func (d *DrawRegion) Name() string { return "draw-region" }

func (d *DrawRegion) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	if fc.Canvas == nil {
		return pipeline.Fail(errNoCanvas)
	}
	if len(d.region) < 3 {
		return pipeline.Continue(fc)
	}
	dc := gg.NewContextForRGBA(fc.Canvas)
	w, h := float64(dc.Width()), float64(dc.Height())

	// The frame rectangle plus the region under the even-odd rule covers
	// exactly the outside of the region.
	dc.DrawRectangle(0, 0, w, h)
	d.path(dc)
	dc.SetFillRuleEvenOdd()
	dc.SetColor(colorOutside)
	dc.Fill()

	d.path(dc)
	dc.SetColor(colorOutline)
	dc.SetLineWidth(lineWidth(dc.Height()))
	dc.Stroke()
	return pipeline.Continue(fc)
}

func (d *DrawRegion) path(dc *gg.Context) {
	dc.NewSubPath()
	for i, p := range d.region {
		if i == 0 {
			dc.MoveTo(p.X, p.Y)
		} else {
			dc.LineTo(p.X, p.Y)
		}
	}
	dc.ClosePath()
}

// DrawDetections boxes every person in red when unsafe and green when safe,
// with a dot on the ground-contact point.
type DrawDetections struct{}

func NewDrawDetections() *DrawDetections { return &DrawDetections{} }

func (d *DrawDetections) Name() string { return "draw-detections" }

func (d *DrawDetections) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	if fc.Canvas == nil {
		return pipeline.Fail(errNoCanvas)
	}
	dc := gg.NewContextForRGBA(fc.Canvas)
	width := lineWidth(dc.Height())
	dc.SetLineWidth(width)

	for i, b := range fc.People {
		c := colorSafe
		if i < len(fc.Safe) && !fc.Safe[i] {
			c = colorUnsafe
		}
		dc.SetColor(c)
		dc.DrawRectangle(b.X, b.Y, b.Width, b.Height)
		dc.Stroke()

		p := b.BottomCenter()
		dc.DrawCircle(p.X, p.Y, width*3)
		dc.Fill()
	}
	return pipeline.Continue(fc)
}

// DrawStatistics writes the frame's statistics in a panel at the top left.
type DrawStatistics struct{}

func NewDrawStatistics() *DrawStatistics { return &DrawStatistics{} }

func (d *DrawStatistics) Name() string { return "draw-statistics" }

func (d *DrawStatistics) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	if fc.Canvas == nil {
		return pipeline.Fail(errNoCanvas)
	}
	dc := gg.NewContextForRGBA(fc.Canvas)
	size := math.Max(12, float64(dc.Height())/40)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size}))

	lines := strings.Split(fc.Stats.String(), "\n")
	margin := size / 2
	lineHeight := size * 1.4
	var textWidth float64
	for _, l := range lines {
		if w, _ := dc.MeasureString(l); w > textWidth {
			textWidth = w
		}
	}

	dc.SetColor(colorPanel)
	dc.DrawRectangle(0, 0, textWidth+2*margin, lineHeight*float64(len(lines))+margin)
	dc.Fill()

	dc.SetColor(color.White)
	for i, l := range lines {
		dc.DrawString(l, margin, lineHeight*float64(i+1))
	}
	return pipeline.Continue(fc)
}
