package stages

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/pipeline"
	"github.com/andresmejia3/distguard/internal/utils"
)

// WriteFrames saves each annotated frame (and its top-down view, when one
// was rendered) as JPEG under dir/<source id>/.
type WriteFrames struct {
	dir     string
	quality int
}

func NewWriteFrames(dir string) *WriteFrames {
	return &WriteFrames{dir: dir, quality: 90}
}

func (w *WriteFrames) Name() string { return "write-frames" }

func (w *WriteFrames) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	img := fc.Output()
	if img == nil {
		return pipeline.Fail(errors.New("frame is not decoded, add the decode stage first"))
	}
	dir := filepath.Join(w.dir, fc.SourceID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return pipeline.Fail(errors.Wrapf(err, "creating %s", dir))
	}
	if err := w.save(filepath.Join(dir, fmt.Sprintf("frame_%06d.jpg", fc.Index)), img); err != nil {
		return pipeline.Fail(err)
	}
	if fc.TopDown != nil {
		if err := w.save(filepath.Join(dir, fmt.Sprintf("topdown_%06d.jpg", fc.Index)), fc.TopDown); err != nil {
			return pipeline.Fail(err)
		}
	}
	return pipeline.Continue(fc)
}

func (w *WriteFrames) save(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: w.quality}); err != nil {
		f.Close()
		return errors.Wrapf(err, "encoding %s", path)
	}
	return f.Close()
}

// EncoderOpener starts an encoder for frames of the given size.
type EncoderOpener func(width, height int) (io.WriteCloser, error)

// Record pipes every annotated frame into a video encoder. The encoder is
// started on the first frame, once the frame size is known.
type Record struct {
	open          EncoderOpener
	enc           io.WriteCloser
	width, height int
	frames        int
}

// NewRecord records into an H.264 file through ffmpeg.
func NewRecord(ctx context.Context, output string, fps float64) *Record {
	return NewRecordTo(func(width, height int) (io.WriteCloser, error) {
		cmd := utils.NewFFmpegEncoder(ctx, output, fps, width, height)
		in, err := cmd.StdinPipe()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create encoder pipe")
		}
		if err := cmd.Start(); err != nil {
			return nil, errors.WithHint(errors.Wrap(err, "failed to start encoder"), "is ffmpeg installed and on PATH?")
		}
		return &encoderPipe{WriteCloser: in, cmd: cmd}, nil
	})
}

// NewRecordTo records into encoders created by open.
func NewRecordTo(open EncoderOpener) *Record {
	return &Record{open: open}
}

func (r *Record) Name() string { return "record" }

func (r *Record) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	img := fc.Canvas
	if img == nil {
		return pipeline.Fail(errNoCanvas)
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if r.enc == nil {
		enc, err := r.open(w, h)
		if err != nil {
			return pipeline.Fail(err)
		}
		r.enc, r.width, r.height = enc, w, h
	}
	if w != r.width || h != r.height {
		return pipeline.Fail(errors.Newf("frame size changed from %dx%d to %dx%d", r.width, r.height, w, h))
	}
	if _, err := r.enc.Write(packed(img).Pix); err != nil {
		return pipeline.Fail(errors.Wrap(err, "writing to encoder"))
	}
	r.frames++
	return pipeline.Continue(fc)
}

// Frames is the number of frames handed to the encoder.
func (r *Record) Frames() int { return r.frames }

// Close finishes the video.
func (r *Record) Close() error {
	if r.enc == nil {
		return nil
	}
	err := r.enc.Close()
	r.enc = nil
	return err
}

// packed returns img with rows laid out back to back, as rawvideo expects.
func packed(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	if img.Stride == 4*b.Dx() && b.Min == (image.Point{}) {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

type encoderPipe struct {
	io.WriteCloser
	cmd *utils.SafeCommand
}

func (e *encoderPipe) Close() error {
	e.WriteCloser.Close()
	if err := e.cmd.Wait(); err != nil {
		return errors.WithDetail(errors.Wrap(err, "encoder process failed"), e.cmd.Stderr.String())
	}
	return nil
}
