package stages

import (
	"context"
	"io"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/pipeline"
	"github.com/andresmejia3/distguard/internal/worker"
)

// Detect asks the detector for the objects in the frame.
type Detect struct {
	detector worker.Detector
}

func NewDetect(d worker.Detector) *Detect {
	return &Detect{detector: d}
}

func (d *Detect) Name() string { return "detect" }

func (d *Detect) Process(ctx context.Context, fc *pipeline.FrameContext) pipeline.Result {
	dets, err := d.detector.Detect(worker.WithFrameIndex(ctx, fc.Index), fc.Raw)
	if err != nil {
		// A detector interrupted by shutdown is not a frame failure.
		if ctx.Err() != nil {
			return pipeline.Cancel()
		}
		err = errors.Wrap(err, "detection failed")
		if errors.Is(err, worker.ErrWorkerExited) {
			return pipeline.Abort(err)
		}
		return pipeline.Fail(err)
	}
	fc.Detections = dets
	return pipeline.Continue(fc)
}

// Close stops the detector when it owns a process.
func (d *Detect) Close() error {
	if c, ok := d.detector.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
