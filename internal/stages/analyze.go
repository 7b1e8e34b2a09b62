package stages

import (
	"context"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/geometry"
	"github.com/andresmejia3/distguard/internal/pipeline"
	"github.com/andresmejia3/distguard/internal/proximity"
)

// ErrNoHomography is returned when a camera has not been calibrated.
var ErrNoHomography = errors.New("no homography configured")

// Project maps each person's ground-contact point onto the ground plane
// with the camera's current homography.
type Project struct {
	ref *geometry.HomographyRef
}

func NewProject(ref *geometry.HomographyRef) *Project {
	return &Project{ref: ref}
}

func (p *Project) Name() string { return "project" }

func (p *Project) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	// One load per frame so every point uses the same transform.
	h := p.ref.Load()
	if h == nil {
		return pipeline.Fail(ErrNoHomography)
	}
	fc.Ground = h.Project(geometry.BottomCenters(fc.People))
	return pipeline.Continue(fc)
}

// Classify flags every ground point as safe or unsafe.
type Classify struct {
	analyzer proximity.Analyzer
}

func NewClassify(a proximity.Analyzer) *Classify {
	return &Classify{analyzer: a}
}

func (c *Classify) Name() string { return "classify" }

func (c *Classify) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	fc.Safe = c.analyzer.Classify(fc.Ground)
	return pipeline.Continue(fc)
}

// Tabulate clusters the violations among the ground points and aggregates
// the frame's statistics from the clusters and the classifier's flags.
type Tabulate struct {
	analyzer proximity.Analyzer
}

func NewTabulate(a proximity.Analyzer) *Tabulate {
	return &Tabulate{analyzer: a}
}

func (t *Tabulate) Name() string { return "tabulate" }

func (t *Tabulate) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	if len(fc.Safe) != len(fc.Ground) {
		return pipeline.Fail(errors.Newf("have %d safety flags for %d points", len(fc.Safe), len(fc.Ground)))
	}
	c := t.analyzer.Cluster(fc.Ground)
	fc.Groups = c.Groups
	fc.Stats = proximity.Aggregate(fc.Ground, fc.Safe, c.Edges, c.Clusters)
	return pipeline.Continue(fc)
}
