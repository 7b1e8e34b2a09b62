package proximity

import (
	"fmt"

	"github.com/golang/geo/r2"
)

// Statistics summarises one frame. It is recomputed from scratch every frame.
type Statistics struct {
	Total             int `json:"total"`
	Safe              int `json:"safe"`
	Unsafe            int `json:"unsafe"`
	Violations        int `json:"violations"`
	ViolationClusters int `json:"violation_clusters"`
}

// Aggregate tabulates classifier and clustering output.
func Aggregate(points []r2.Point, safe []bool, violations, clusters int) Statistics {
	safeCount := 0
	for _, s := range safe {
		if s {
			safeCount++
		}
	}
	return Statistics{
		Total:             len(points),
		Safe:              safeCount,
		Unsafe:            len(points) - safeCount,
		Violations:        violations,
		ViolationClusters: clusters,
	}
}

// String renders the statistics the way the on-screen panel shows them.
func (s Statistics) String() string {
	return fmt.Sprintf("Total: %d\nSafe: %d\nUnsafe: %d\nViolations: %d\nViolation Clusters: %d",
		s.Total, s.Safe, s.Unsafe, s.Violations, s.ViolationClusters)
}
