// Package scanner implements the inference pass over inputs that
// produces the aggregate schema, bounds, and SRS parameterizing a build.
package scanner

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/errs"
	"github.com/entwine-project/entwine/internal/geo"
	"github.com/entwine-project/entwine/internal/manifest"
	"github.com/entwine-project/entwine/internal/pipeline"
)

// Options configures a scan run.
type Options struct {
	Previewer    pipeline.Previewer
	Threads      int
	Reprojection *pipeline.Reprojection

	// ExplicitSrs/ExplicitBounds/ExplicitSchema, when set, are taken as
	// given rather than inferred.
	ExplicitSrs    *config.Srs
	ExplicitBounds *config.Bounds
	ExplicitSchema config.Schema
}

// Result is the scan artifact: aggregate metadata plus the manifest of
// per-file previews, ready to hand to the Builder.
type Result struct {
	Metadata config.Metadata
	Manifest *manifest.Manifest
	Warnings []string
}

// Scan runs Options.Previewer over every path and aggregates the results.
// Inputs whose preview fails (ShallowInfoError) are dropped from the
// manifest with a warning rather than failing the whole scan.
func Scan(ctx context.Context, paths []string, opts Options) (*Result, error) {
	if len(paths) == 0 {
		return nil, errs.Config("no inputs to scan", nil)
	}

	m := manifest.New(paths)
	threads := opts.Threads
	if threads < 1 {
		threads = 1
	}

	type outcome struct {
		idx     int
		preview pipeline.Preview
		warn    string
		drop    bool
	}
	outcomes := make([]outcome, len(m.Items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for i, item := range m.Items {
		i, item := i, item
		g.Go(func() error {
			preview, err := opts.Previewer.Preview(gctx, item.Path, opts.Reprojection)
			if err != nil {
				outcomes[i] = outcome{idx: i, warn: fmt.Sprintf("dropping %s: %v", item.Path, err), drop: true}
				return nil
			}
			outcomes[i] = outcome{idx: i, preview: preview}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errs.Fatal("scan", err)
	}

	var kept []*manifest.BuildItem
	var warnings []string
	var aggBounds geo.Bounds
	haveBounds := false
	var aggSchema config.Schema
	var aggSrs config.Srs
	var total uint64
	minScale := math.MaxFloat64

	for _, o := range outcomes {
		if o.drop {
			warnings = append(warnings, o.warn)
			continue
		}
		item := m.Items[o.idx]
		item.Source.Bounds = o.preview.Bounds
		item.Source.Points = o.preview.Points
		item.Source.Schema = o.preview.Schema
		item.Source.Srs = o.preview.Srs
		kept = append(kept, item)

		if !haveBounds {
			aggBounds = o.preview.Bounds.Geo()
			haveBounds = true
		} else {
			aggBounds = aggBounds.Grow(o.preview.Bounds.Geo())
		}
		aggSchema = config.Union(aggSchema, o.preview.Schema)
		if aggSrs.Empty() && !o.preview.Srs.Empty() {
			aggSrs = o.preview.Srs
		} else if !aggSrs.Empty() && !o.preview.Srs.Empty() && aggSrs != o.preview.Srs {
			warnings = append(warnings, fmt.Sprintf("conflicting SRS in %s", item.Path))
		}
		total += o.preview.Points
		if d, ok := o.preview.Schema.Find("X"); ok && d.Scale != 0 && d.Scale < minScale {
			minScale = d.Scale
		}
	}

	if len(kept) == 0 {
		return nil, errs.Config("no inputs produced a usable preview", nil)
	}
	m.Items = kept

	if opts.ExplicitSrs != nil {
		aggSrs = *opts.ExplicitSrs
	}
	bounds := config.FromGeo(aggBounds.Cubify())
	if opts.ExplicitBounds != nil {
		bounds = *opts.ExplicitBounds
	}
	schema := aggSchema
	if opts.ExplicitSchema != nil {
		schema = opts.ExplicitSchema
	}

	md := config.Metadata{
		Bounds:           bounds,
		BoundsConforming: config.FromGeo(aggBounds),
		Schema:           schema,
		Srs:              aggSrs,
		Points:           total,
		HierarchyType:    "json",
		Version:          config.CurrentVersion,
	}

	return &Result{Metadata: md, Manifest: m, Warnings: warnings}, nil
}
