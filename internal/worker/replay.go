package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/geometry"
	"github.com/andresmejia3/distguard/internal/types"
)

// replayLine is one line of a detections file:
//
//	{"frame":12,"detections":[{"class":0,"confidence":0.91,"box":[x,y,w,h]}]}
type replayLine struct {
	Frame      int `json:"frame"`
	Detections []struct {
		Class      int        `json:"class"`
		Confidence float64    `json:"confidence"`
		Box        [4]float64 `json:"box"`
	} `json:"detections"`
}

// Replay serves precomputed detector output keyed by frame index. Frames
// missing from the file have no detections.
type Replay struct {
	frames        map[int][]types.Detection
	minConfidence float64
}

// LoadReplay reads a JSON Lines detections file.
func LoadReplay(path string, minConfidence float64) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening detections file")
	}
	defer f.Close()
	return ReadReplay(f, minConfidence)
}

func ReadReplay(r io.Reader, minConfidence float64) (*Replay, error) {
	rep := &Replay{frames: make(map[int][]types.Detection), minConfidence: minConfidence}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line replayLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, errors.Wrapf(err, "detections line %d", lineNo)
		}
		dets := rep.frames[line.Frame]
		for _, d := range line.Detections {
			dets = append(dets, types.Detection{
				ClassID:    d.Class,
				Confidence: d.Confidence,
				Box:        geometry.BoundingBox{X: d.Box[0], Y: d.Box[1], Width: d.Box[2], Height: d.Box[3]},
			})
		}
		rep.frames[line.Frame] = dets
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading detections")
	}
	return rep, nil
}

// Frames is the number of frames with recorded output.
func (r *Replay) Frames() int { return len(r.frames) }

// For returns the detections recorded for a frame index.
func (r *Replay) For(frame int) []types.Detection {
	src := r.frames[frame]
	out := make([]types.Detection, len(src))
	copy(out, src)
	return filterConfidence(out, r.minConfidence)
}

// Detect satisfies Detector for callers that only have frame bytes. The
// frame index must be passed through the context with WithFrameIndex.
func (r *Replay) Detect(ctx context.Context, _ []byte) ([]types.Detection, error) {
	idx, ok := FrameIndex(ctx)
	if !ok {
		return nil, errors.New("replay detector needs a frame index in the context")
	}
	return r.For(idx), nil
}

type frameIndexKey struct{}

// WithFrameIndex tags ctx with the index of the frame being detected.
func WithFrameIndex(ctx context.Context, idx int) context.Context {
	return context.WithValue(ctx, frameIndexKey{}, idx)
}

func FrameIndex(ctx context.Context) (int, bool) {
	idx, ok := ctx.Value(frameIndexKey{}).(int)
	return idx, ok
}
