package pipeline

import (
	"image"
	"time"

	"github.com/golang/geo/r2"

	"github.com/andresmejia3/distguard/internal/geometry"
	"github.com/andresmejia3/distguard/internal/proximity"
	"github.com/andresmejia3/distguard/internal/types"
)

// FrameContext carries one frame through the stages. Each stage reads what
// earlier stages wrote and adds its own fields. A context belongs to exactly
// one pipeline run and is discarded afterwards.
type FrameContext struct {
	Index     int
	Timestamp time.Duration // offset from the start of the source
	Captured  time.Time
	SourceID  string

	// Raw is the encoded frame as delivered by the source.
	Raw []byte
	// Image is the decoded frame. Canvas is the copy overlays are drawn on.
	Image  image.Image
	Canvas *image.RGBA
	// TopDown is the bird's-eye rendering, when that stage is configured.
	TopDown *image.RGBA

	Detections []types.Detection
	// People are the person boxes that survived class and region filtering.
	People []geometry.BoundingBox
	// Ground holds one ground-plane point per entry of People.
	Ground []r2.Point
	// Safe holds one flag per entry of Ground, true when nobody is too close.
	Safe   []bool
	Groups [][]int
	Stats  proximity.Statistics
}

// NewFrameContext starts a context for an encoded frame.
func NewFrameContext(sourceID string, task types.FrameTask) *FrameContext {
	return &FrameContext{
		Index:     task.Index,
		Timestamp: task.Timestamp,
		Captured:  time.Now(),
		SourceID:  sourceID,
		Raw:       task.Data,
	}
}

// Output returns the annotated canvas when one exists and the decoded frame
// otherwise.
func (fc *FrameContext) Output() image.Image {
	if fc.Canvas != nil {
		return fc.Canvas
	}
	return fc.Image
}
