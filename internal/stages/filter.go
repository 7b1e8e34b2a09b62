package stages

import (
	"context"

	"github.com/andresmejia3/distguard/internal/geometry"
	"github.com/andresmejia3/distguard/internal/pipeline"
)

// FilterClass keeps the detections of one class as the frame's people.
// Boxes with negative size or non-finite coordinates are dropped.
type FilterClass struct {
	class int
}

func NewFilterClass(class int) *FilterClass {
	return &FilterClass{class: class}
}

func (f *FilterClass) Name() string { return "filter-class" }

func (f *FilterClass) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	people := make([]geometry.BoundingBox, 0, len(fc.Detections))
	for _, d := range fc.Detections {
		if d.ClassID == f.class && d.Box.Valid() {
			people = append(people, d.Box)
		}
	}
	fc.People = people
	return pipeline.Continue(fc)
}

// FilterRegion keeps the people whose ground-contact point lies inside the
// region, boundary included. A nil region keeps everyone.
type FilterRegion struct {
	region geometry.Polygon
}

func NewFilterRegion(region geometry.Polygon) *FilterRegion {
	return &FilterRegion{region: region}
}

func (f *FilterRegion) Name() string { return "filter-region" }

func (f *FilterRegion) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	if f.region == nil {
		return pipeline.Continue(fc)
	}
	kept := fc.People[:0]
	for _, b := range fc.People {
		if geometry.PointInPolygon(b.BottomCenter(), f.region) {
			kept = append(kept, b)
		}
	}
	fc.People = kept
	return pipeline.Continue(fc)
}
