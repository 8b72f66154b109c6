// Package pipeline models the point-processing pipeline as a fixed enum
// of stages with typed parameters, plus an extensibility case for a named
// stage passed through to an external executor. The builder only needs
// the resulting point stream; reading, reprojecting, and computing stats
// are all external collaborators.
package pipeline

import (
	"context"

	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/geo"
)

// StageKind names one of the fixed pipeline stage types.
type StageKind int

const (
	StageRead StageKind = iota
	StageReproject
	StageAssign
	StageStats
	StageFilter
	// StagePassthrough carries a named stage this module does not model
	// directly, handed verbatim to the external pipeline executor.
	StagePassthrough
)

// Reprojection carries an input/output SRS pair and an optional "hammer"
// override flag.
type Reprojection struct {
	In     string
	Out    string
	Hammer bool
}

// Stage is one step of a point pipeline.
type Stage struct {
	Kind StageKind

	// Read
	Path string

	// Reproject
	Reprojection Reprojection

	// Assign: set a named dimension to a constant or computed value.
	AssignDimension string
	AssignOrigin    bool // true: value is this file's origin id

	// Stats: accumulate per-dimension statistics, optionally clipping to
	// ClipBounds first.
	ClipBounds *geo.Bounds

	// Filter: discard points outside Bounds.
	FilterBounds *geo.Bounds

	// Passthrough
	Name   string
	Params map[string]string
}

// Spec is an ordered list of stages describing how to turn one input file
// into a stream of points.
type Spec struct {
	Stages []Stage
}

// Point is one parsed point: Row holds its attribute values in schema
// order (including X/Y/Z, already reprojected/scaled by the external
// executor upstream of this package), PointId is the running per-origin
// counter, OriginId is the owning BuildItem's index.
type Point struct {
	Row      []float64
	PointId  uint64
	OriginId uint32
}

// StatsResult is what a Stats stage harvests back into SourceInfo after a
// pipeline finishes running.
type StatsResult struct {
	Dimensions []config.Dimension
}

// Executor runs a Spec and delivers points to sink until the input is
// exhausted or ctx is canceled. It is supplied by the embedding
// application; this package only defines the shape of the contract.
type Executor interface {
	Run(ctx context.Context, spec Spec, sink func(Point) error) (StatsResult, error)
}

// Preview is the shallow-inference result the Scanner needs: just enough
// to aggregate bounds/schema/SRS without reading every point.
type Preview struct {
	Bounds config.Bounds
	Points uint64
	Schema config.Schema
	Srs    config.Srs
}

// Previewer runs just the reader (and reprojection, if configured) far
// enough to produce a Preview, without materializing the full point
// stream.
type Previewer interface {
	Preview(ctx context.Context, path string, reproj *Reprojection) (Preview, error)
}
