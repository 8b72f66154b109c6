// Package config implements the global metadata types shared by every
// component (Schema, Bounds, Srs, Subset) and the resolution of user
// config against an existing on-disk EPT.
package config

import (
	"encoding/json"

	"gonum.org/v1/gonum/stat"

	"github.com/entwine-project/entwine/internal/errs"
	"github.com/entwine-project/entwine/internal/geo"
)

// DataType names the chunk codec a build uses.
type DataType string

const (
	DataTypeLaszip    DataType = "laszip"
	DataTypeZstandard DataType = "zstandard"
	DataTypeBinary    DataType = "binary"
)

// Counts is a per-dimension classification histogram, e.g. Classification
// value -> point count, folded across every input file.
type Counts map[string]uint64

// Dimension describes one attribute of the point schema, with optional
// scale/offset (for signed-integer storage, used by X/Y/Z) and folded
// statistics.
type Dimension struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"` // "signed"|"unsigned"|"float"
	Size   int     `json:"size"` // bytes
	Scale  float64 `json:"scale,omitempty"`
	Offset float64 `json:"offset,omitempty"`

	Count    uint64  `json:"count,omitempty"`
	Minimum  float64 `json:"minimum,omitempty"`
	Maximum  float64 `json:"maximum,omitempty"`
	Mean     float64 `json:"mean,omitempty"`
	Variance float64 `json:"variance,omitempty"`
	Counts   Counts  `json:"counts,omitempty"`
}

// HasScale reports whether Scale/Offset are meaningful for this dimension
// (true for X/Y/Z once a scale has been configured).
func (d Dimension) HasScale() bool { return d.Scale != 0 }

// Schema is an ordered list of Dimensions, closed over every input file's
// schema (union of attributes, widening types) by the Scanner.
type Schema []Dimension

// Find returns the dimension named name, if present.
func (s Schema) Find(name string) (Dimension, bool) {
	for _, d := range s {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// Union merges two schemas: attributes present in both keep the wider
// type/size; attributes present in only one are appended.
func Union(a, b Schema) Schema {
	out := append(Schema{}, a...)
	idx := make(map[string]int, len(out))
	for i, d := range out {
		idx[d.Name] = i
	}
	for _, d := range b {
		if i, ok := idx[d.Name]; ok {
			if d.Size > out[i].Size {
				out[i].Size = d.Size
			}
			if d.Type == "float" {
				out[i].Type = "float"
			}
			out[i] = foldStats(out[i], d)
			continue
		}
		idx[d.Name] = len(out)
		out = append(out, d)
	}
	return out
}

// foldStats combines two partial per-dimension summaries into one, folding
// Mean/Variance with the parallel (Chan et al.) combination formula so a
// running union across many BuildItems never needs the raw samples again.
// stat.Mean supplies the count-weighted combined mean.
func foldStats(a, b Dimension) Dimension {
	if b.Count == 0 {
		return a
	}
	if a.Count == 0 {
		// Take b's statistics but keep a's (already widened) type/size.
		out := a
		out.Count, out.Minimum, out.Maximum = b.Count, b.Minimum, b.Maximum
		out.Mean, out.Variance, out.Counts = b.Mean, b.Variance, b.Counts
		return out
	}
	out := a
	out.Minimum = minf(a.Minimum, b.Minimum)
	out.Maximum = maxf(a.Maximum, b.Maximum)

	na, nb := float64(a.Count), float64(b.Count)
	out.Mean = stat.Mean([]float64{a.Mean, b.Mean}, []float64{na, nb})

	var m2a, m2b float64
	if na > 1 {
		m2a = a.Variance * (na - 1)
	}
	if nb > 1 {
		m2b = b.Variance * (nb - 1)
	}
	delta := b.Mean - a.Mean
	m2 := m2a + m2b + delta*delta*na*nb/(na+nb)

	out.Count = a.Count + b.Count
	if out.Count > 1 {
		out.Variance = m2 / float64(out.Count-1)
	}

	if a.Counts != nil || b.Counts != nil {
		out.Counts = make(Counts, len(a.Counts)+len(b.Counts))
		for k, v := range a.Counts {
			out.Counts[k] += v
		}
		for k, v := range b.Counts {
			out.Counts[k] += v
		}
	}
	return out
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Bounds mirrors geo.Bounds but marshals to the [xmin,ymin,zmin,xmax,ymax,
// zmax] array shape ept.json requires.
type Bounds geo.Bounds

func FromGeo(b geo.Bounds) Bounds { return Bounds(b) }
func (b Bounds) Geo() geo.Bounds  { return geo.Bounds(b) }

func (b Bounds) MarshalJSON() ([]byte, error) {
	return json.Marshal([6]float64{b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z})
}

func (b *Bounds) UnmarshalJSON(data []byte) error {
	var arr [6]float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return errs.Decode("bounds", err)
	}
	b.Min = geo.Point{X: arr[0], Y: arr[1], Z: arr[2]}
	b.Max = geo.Point{X: arr[3], Y: arr[4], Z: arr[5]}
	return nil
}

// Srs carries a spatial reference either as an authority code or raw WKT.
type Srs struct {
	Authority  string `json:"authority,omitempty"`
	Horizontal string `json:"horizontal,omitempty"`
	Vertical   string `json:"vertical,omitempty"`
	Wkt        string `json:"wkt,omitempty"`
}

// Empty reports whether no SRS information has been set.
func (s Srs) Empty() bool {
	return s.Authority == "" && s.Horizontal == "" && s.Wkt == ""
}

// Subset describes a partial build covering one of Of equal slabs of the
// cubic bounds.
type Subset struct {
	Id int `json:"id"`
	Of int `json:"of"`
}

// Valid reports whether Of is a supported partition count: a power of 4
// (1, 4, 16, 64, ...) and Id is in [1, Of].
func (s Subset) Valid() bool {
	if s.Of < 1 || s.Id < 1 || s.Id > s.Of {
		return false
	}
	for n := 1; ; n *= 4 {
		if n == s.Of {
			return true
		}
		if n > s.Of {
			return false
		}
	}
}

// Metadata is the global state carried through a build,
// serialized as ept.json.
type Metadata struct {
	Bounds           Bounds   `json:"bounds"`
	BoundsConforming Bounds   `json:"boundsConforming"`
	DataType         DataType `json:"dataType"`
	HierarchyType    string   `json:"hierarchyType"`
	Points           uint64   `json:"points"`
	Schema           Schema   `json:"schema"`
	Span             uint64   `json:"span"`
	Srs              Srs      `json:"srs"`
	Version          string   `json:"version"`
	Subset           *Subset  `json:"subset,omitempty"`
}

// BuildParams is ept-build.json: the tuning parameters that shaped a
// build, as opposed to the schema/bounds/srs that describe its content.
type BuildParams struct {
	HierarchyStep    uint32 `json:"hierarchyStep"`
	MinNodeSize      uint64 `json:"minNodeSize"`
	MaxNodeSize      uint64 `json:"maxNodeSize"`
	CacheSize        uint64 `json:"cacheSize"`
	SleepCount       uint64 `json:"sleepCount"`
	ProgressInterval uint64 `json:"progressInterval"`
	StartDepth       uint32 `json:"startDepth"`
}

const CurrentVersion = "1.0.0"
