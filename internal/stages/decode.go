// Package stages holds the pipeline stages distguard composes into an
// analysis: detection and filtering, projection and proximity analysis,
// overlays, and the outputs that record or persist each finished frame.
//
// Every stage reads what earlier stages put into the FrameContext. Stages
// that hold resources implement io.Closer and are closed by the driver.
package stages

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/pipeline"
)

// Decode turns the encoded frame into an image and an RGBA canvas for the
// overlay stages.
type Decode struct{}

func NewDecode() *Decode { return &Decode{} }

func (d *Decode) Name() string { return "decode" }

func (d *Decode) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	if fc.Image == nil {
		if len(fc.Raw) == 0 {
			return pipeline.Fail(errors.New("frame has no encoded data"))
		}
		img, err := jpeg.Decode(bytes.NewReader(fc.Raw))
		if err != nil {
			return pipeline.Fail(errors.Wrap(err, "decoding jpeg"))
		}
		fc.Image = img
	}
	if fc.Canvas == nil {
		b := fc.Image.Bounds()
		canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(canvas, canvas.Bounds(), fc.Image, b.Min, draw.Src)
		fc.Canvas = canvas
	}
	return pipeline.Continue(fc)
}
