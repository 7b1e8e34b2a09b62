// Package pipeline threads a FrameContext through an ordered list of stages
// and drives frames from a Source through it one at a time.
package pipeline

import (
	"context"

	"github.com/andresmejia3/distguard/internal/errors"
)

// ErrNilFrame is reported when a stage continues without a frame.
var ErrNilFrame = errors.New("stage continued with a nil frame")

// Pipeline is an ordered, immutable list of stages.
type Pipeline struct {
	stages []Stage
}

// New builds a pipeline. Nil stages are skipped.
func New(stages ...Stage) *Pipeline {
	p := &Pipeline{stages: make([]Stage, 0, len(stages))}
	for _, s := range stages {
		if s != nil {
			p.stages = append(p.stages, s)
		}
	}
	return p
}

// Stages returns the stages in execution order.
func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// Run feeds fc through every stage in order. A stage returning Cancel or Fail
// ends the run before the next stage starts. ctx is checked between stages
// only; a stage already running is never interrupted by the pipeline.
//
// Failures come back wrapped in a *StageError and carry the frame as it was
// when the failing stage received it.
func (p *Pipeline) Run(ctx context.Context, fc *FrameContext) Result {
	for i, s := range p.stages {
		if ctx.Err() != nil {
			return Cancel()
		}

		res := runStage(ctx, s, fc)
		switch res.Verdict {
		case Continued:
			if res.Frame == nil {
				return p.fail(s, i, fc, ErrNilFrame)
			}
			fc = res.Frame
		case Cancelled:
			return Cancel()
		default:
			err := res.Err
			if err == nil {
				err = errors.Newf("stage %s failed without an error", s.Name())
			}
			return p.fail(s, i, fc, err)
		}
	}
	return Continue(fc)
}

func (p *Pipeline) fail(s Stage, pos int, fc *FrameContext, err error) Result {
	frame := -1
	if fc != nil {
		frame = fc.Index
	}
	return Result{
		Verdict: Failed,
		Frame:   fc,
		Err:     &StageError{Stage: s.Name(), Position: pos, Frame: frame, Err: err},
	}
}

func runStage(ctx context.Context, s Stage, fc *FrameContext) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Fail(errors.Newf("panic: %v", r))
		}
	}()
	return s.Process(ctx, fc)
}
