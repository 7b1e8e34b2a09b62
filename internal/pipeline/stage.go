package pipeline

import (
	"context"
	"fmt"

	"github.com/andresmejia3/distguard/internal/errors"
)

// ErrFatal marks a failure that no later frame can recover from. The driver
// stops on it even without WithHaltOnFailure.
var ErrFatal = errors.New("fatal stage failure")

// Verdict tells the pipeline what to do after a stage.
type Verdict int

const (
	// Continued hands the frame to the next stage.
	Continued Verdict = iota
	// Cancelled stops this frame and the driver loop. It is not an error.
	Cancelled
	// Failed stops this frame only, unless the error is marked ErrFatal.
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Continued:
		return "continue"
	case Cancelled:
		return "cancel"
	case Failed:
		return "fail"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Result is the outcome of a stage or of a whole pipeline run.
type Result struct {
	Verdict Verdict
	Frame   *FrameContext
	Err     error
}

func Continue(fc *FrameContext) Result { return Result{Verdict: Continued, Frame: fc} }

func Cancel() Result { return Result{Verdict: Cancelled} }

func Fail(err error) Result { return Result{Verdict: Failed, Err: err} }

// Abort fails the frame and ends the run.
func Abort(err error) Result { return Fail(errors.Mark(err, ErrFatal)) }

// Stage is one step of per-frame processing. Configuration is fixed when the
// stage is built. Stages that hold resources also implement io.Closer and are
// closed by the Driver when it exits.
type Stage interface {
	Name() string
	Process(ctx context.Context, fc *FrameContext) Result
}

// StageFunc adapts a function into a Stage.
func StageFunc(name string, fn func(ctx context.Context, fc *FrameContext) Result) Stage {
	return funcStage{name: name, fn: fn}
}

type funcStage struct {
	name string
	fn   func(ctx context.Context, fc *FrameContext) Result
}

func (s funcStage) Name() string { return s.name }

func (s funcStage) Process(ctx context.Context, fc *FrameContext) Result { return s.fn(ctx, fc) }

// StageError reports which stage failed on which frame.
type StageError struct {
	Stage    string
	Position int
	Frame    int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q (#%d) failed on frame %d: %v", e.Stage, e.Position, e.Frame, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
