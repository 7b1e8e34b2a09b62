package types

import (
	"time"

	"github.com/andresmejia3/distguard/internal/geometry"
)

// PersonClass is the COCO class id for "person".
const PersonClass = 0

// FrameTask is a single encoded frame read from the capture source
type FrameTask struct {
	Index     int
	Timestamp time.Duration // Offset from the start of the stream
	Data      []byte        // JPEG bytes
}

// Detection is one object reported by the detector for a frame
type Detection struct {
	ClassID    int                  `json:"class"`
	Confidence float64              `json:"confidence"`
	Box        geometry.BoundingBox `json:"box"`
}

// ErrorResult captures the error object a detector reports instead of detections
type ErrorResult struct {
	Error string `json:"error"`
}
