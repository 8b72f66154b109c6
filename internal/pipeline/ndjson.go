package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"os"
	"strconv"

	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/errs"
	"github.com/entwine-project/entwine/internal/geo"
)

// NDJSON is a concrete Executor/Previewer for the simplest input this
// module reads natively: one JSON array of floats per line, in the
// caller-supplied schema's order. Real LAS/LAZ ingestion goes through the
// external collaborator; NDJSON exists so the builder and
// scanner have at least one reader that does not depend on anything
// outside the module, and so tests can exercise a full build end to end.
type NDJSON struct {
	Schema config.Schema
}

var _ Executor = NDJSON{}
var _ Previewer = NDJSON{}

func (n NDJSON) open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Io("open "+path, err)
	}
	return f, nil
}

// Preview scans path once, computing bounds and point count without
// retaining the point stream.
func (n NDJSON) Preview(ctx context.Context, path string, reproj *Reprojection) (Preview, error) {
	f, err := n.open(path)
	if err != nil {
		return Preview{}, errs.ShallowInfo(path, err)
	}
	defer f.Close()

	xIdx, yIdx, zIdx := indexOf(n.Schema, "X"), indexOf(n.Schema, "Y"), indexOf(n.Schema, "Z")
	if xIdx < 0 || yIdx < 0 || zIdx < 0 {
		return Preview{}, errs.ShallowInfo(path, errs.Config("schema is missing X/Y/Z", nil))
	}

	var b geo.Bounds
	have := false
	var count uint64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<16), 1<<24)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var row []float64
		if err := json.Unmarshal(line, &row); err != nil {
			return Preview{}, errs.ShallowInfo(path, errs.Decode("ndjson row", err))
		}
		p := geo.Point{X: row[xIdx], Y: row[yIdx], Z: row[zIdx]}
		if !have {
			b = geo.Bounds{Min: p, Max: p}
			have = true
		} else {
			b = b.GrowPoint(p)
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return Preview{}, errs.ShallowInfo(path, err)
	}
	if !have {
		return Preview{}, errs.ShallowInfo(path, errs.Config("empty input", nil))
	}
	return Preview{Bounds: config.FromGeo(b), Points: count, Schema: n.Schema}, nil
}

// Run streams path's points to sink in schema order, per Stage's Read path.
// Only Read and Stats stages have an effect; every other stage kind
// (Assign included) is ignored, since NDJSON carries no assignment,
// reprojection or filtering logic of its own.
func (n NDJSON) Run(ctx context.Context, spec Spec, sink func(Point) error) (StatsResult, error) {
	var path string
	var statsClip *geo.Bounds
	wantStats := false
	for _, st := range spec.Stages {
		switch st.Kind {
		case StageRead:
			path = st.Path
		case StageStats:
			wantStats = true
			statsClip = st.ClipBounds
		}
	}
	if path == "" {
		return StatsResult{}, errs.Config("ndjson pipeline has no read stage", nil)
	}

	f, err := n.open(path)
	if err != nil {
		return StatsResult{}, err
	}
	defer f.Close()

	acc := newStatsAccumulator(n.Schema)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<16), 1<<24)
	var pointId uint64
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return StatsResult{}, err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var row []float64
		if err := json.Unmarshal(line, &row); err != nil {
			return StatsResult{}, errs.Decode("ndjson row", err)
		}
		if err := sink(Point{Row: row, PointId: pointId}); err != nil {
			return StatsResult{}, err
		}
		pointId++
		if wantStats {
			if statsClip == nil || statsClip.Contains(geo.Point{X: row[indexOf(n.Schema, "X")], Y: row[indexOf(n.Schema, "Y")], Z: row[indexOf(n.Schema, "Z")]}) {
				acc.add(row)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return StatsResult{}, errs.Io("read "+path, err)
	}
	if !wantStats {
		return StatsResult{}, nil
	}
	return StatsResult{Dimensions: acc.finish()}, nil
}

func indexOf(schema config.Schema, name string) int {
	for i, d := range schema {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// statsAccumulator folds running count/min/max/mean/variance per dimension
// using Welford's online algorithm (SPEC_FULL's "per-dimension statistics
// classes" supplement), plus a classification histogram when present.
type statsAccumulator struct {
	schema config.Schema
	n      []uint64
	min    []float64
	max    []float64
	mean   []float64
	m2     []float64
	counts []config.Counts
}

func newStatsAccumulator(schema config.Schema) *statsAccumulator {
	a := &statsAccumulator{
		schema: schema,
		n:      make([]uint64, len(schema)),
		min:    make([]float64, len(schema)),
		max:    make([]float64, len(schema)),
		mean:   make([]float64, len(schema)),
		m2:     make([]float64, len(schema)),
		counts: make([]config.Counts, len(schema)),
	}
	for i := range schema {
		a.min[i] = math.Inf(1)
		a.max[i] = math.Inf(-1)
	}
	return a
}

func (a *statsAccumulator) add(row []float64) {
	for i, d := range a.schema {
		v := row[i]
		a.n[i]++
		if v < a.min[i] {
			a.min[i] = v
		}
		if v > a.max[i] {
			a.max[i] = v
		}
		delta := v - a.mean[i]
		a.mean[i] += delta / float64(a.n[i])
		a.m2[i] += delta * (v - a.mean[i])
		if d.Name == "Classification" {
			if a.counts[i] == nil {
				a.counts[i] = config.Counts{}
			}
			a.counts[i][strconv.FormatInt(int64(v), 10)]++
		}
	}
}

func (a *statsAccumulator) finish() []config.Dimension {
	out := make([]config.Dimension, len(a.schema))
	for i, d := range a.schema {
		d.Count = a.n[i]
		d.Minimum = a.min[i]
		d.Maximum = a.max[i]
		d.Mean = a.mean[i]
		if a.n[i] > 1 {
			d.Variance = a.m2[i] / float64(a.n[i]-1)
		}
		d.Counts = a.counts[i]
		out[i] = d
	}
	return out
}

