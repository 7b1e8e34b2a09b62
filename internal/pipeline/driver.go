package pipeline

import (
	"context"
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/logger"
)

// Source yields frames one at a time. Next returns io.EOF once the source is
// exhausted.
type Source interface {
	Next(ctx context.Context) (*FrameContext, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc func(ctx context.Context) (*FrameContext, error)

func (f SourceFunc) Next(ctx context.Context) (*FrameContext, error) { return f(ctx) }

// FailureHandler receives every frame whose run failed.
type FailureHandler func(fc *FrameContext, err *StageError)

// Summary describes a finished Driver.Run.
type Summary struct {
	Frames    int
	Failures  int
	Cancelled bool
	Elapsed   time.Duration
}

// Driver pulls frames from a Source and runs them through a Pipeline,
// strictly one after another. It keeps no state between frames besides the
// counters in Summary.
type Driver struct {
	pipeline  *Pipeline
	source    Source
	onFailure FailureHandler
	onFrame   func(*FrameContext)
	halt      bool
	log       *zap.SugaredLogger
}

type Option func(*Driver)

// WithFailureHandler is called after a failed frame is logged.
func WithFailureHandler(h FailureHandler) Option {
	return func(d *Driver) { d.onFailure = h }
}

// WithHaltOnFailure makes the first failed frame end the run with its error.
func WithHaltOnFailure() Option {
	return func(d *Driver) { d.halt = true }
}

// WithFrameHandler receives every frame that made it through all stages.
func WithFrameHandler(fn func(*FrameContext)) Option {
	return func(d *Driver) { d.onFrame = fn }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Driver) { d.log = l }
}

func NewDriver(p *Pipeline, src Source, opts ...Option) *Driver {
	d := &Driver{
		pipeline: p,
		source:   src,
		log:      logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes frames until the source is exhausted, a stage cancels or ctx
// is done. Failed frames are logged and skipped unless WithHaltOnFailure was
// given. On return every stage and the source are closed if they implement
// io.Closer; close errors are combined into the returned error.
func (d *Driver) Run(ctx context.Context) (summary Summary, err error) {
	start := time.Now()
	defer func() {
		summary.Elapsed = time.Since(start)
		err = multierr.Append(err, d.close())
	}()

	for {
		if ctx.Err() != nil {
			summary.Cancelled = true
			return summary, nil
		}

		fc, nextErr := d.source.Next(ctx)
		switch {
		case nextErr == nil:
		case errors.Is(nextErr, io.EOF):
			return summary, nil
		case ctx.Err() != nil:
			summary.Cancelled = true
			return summary, nil
		default:
			return summary, errors.Wrap(nextErr, "reading next frame")
		}
		if fc == nil {
			return summary, errors.New("source returned a nil frame")
		}

		res := d.pipeline.Run(ctx, fc)
		switch res.Verdict {
		case Continued:
			summary.Frames++
			d.log.Debugw("frame processed",
				logger.FieldFrame, res.Frame.Index,
				logger.FieldCount, res.Frame.Stats.Total,
			)
			if d.onFrame != nil {
				d.onFrame(res.Frame)
			}
		case Cancelled:
			summary.Cancelled = true
			d.log.Infow("pipeline cancelled", logger.FieldFrame, fc.Index)
			return summary, nil
		case Failed:
			summary.Failures++
			var se *StageError
			if !errors.As(res.Err, &se) {
				se = &StageError{Stage: "unknown", Position: -1, Frame: fc.Index, Err: res.Err}
			}
			d.log.Warnw("frame failed",
				logger.FieldFrame, se.Frame,
				logger.FieldStage, se.Stage,
				logger.FieldPosition, se.Position,
				logger.FieldError, se.Err,
			)
			if d.onFailure != nil {
				d.onFailure(res.Frame, se)
			}
			if d.halt || errors.Is(se, ErrFatal) {
				return summary, se
			}
		}
	}
}

func (d *Driver) close() error {
	var err error
	for _, s := range d.pipeline.stages {
		if c, ok := s.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				err = multierr.Append(err, errors.Wrapf(cerr, "closing stage %s", s.Name()))
			}
		}
	}
	if c, ok := d.source.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrap(cerr, "closing source"))
		}
	}
	return err
}
