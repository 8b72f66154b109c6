// Package manifest implements per-input-file build state and the
// load/save/merge/reduce protocol that reconciles it across workers.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/errs"
	"github.com/entwine-project/entwine/internal/geo"
)

// SourceInfo carries everything the Scanner (or a prior build) learned
// about one input file.
type SourceInfo struct {
	Pipeline string        `json:"pipeline,omitempty"`
	Srs      config.Srs    `json:"srs,omitempty"`
	Bounds   config.Bounds `json:"bounds"`
	Points   uint64        `json:"points"`
	Schema   config.Schema `json:"schema,omitempty"`

	// PointsInserted is the number of points that actually landed in the
	// output (after bounds/subset discards), as opposed to Points, the
	// count the scanner observed in the source file.
	PointsInserted uint64 `json:"pointsInserted"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Errors   []string                `json:"errors,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
}

// BuildItem is one entry of the Manifest.
type BuildItem struct {
	Path         string     `json:"path"`
	Source       SourceInfo `json:"-"`
	Inserted     bool       `json:"inserted"`
	MetadataPath string     `json:"metadataPath"`
}

// overviewEntry is what list.json stores per item: the sidecar pointer,
// not the full SourceInfo.
type overviewEntry struct {
	Path         string `json:"path"`
	Inserted     bool   `json:"inserted"`
	MetadataPath string `json:"metadataPath"`
}

// Manifest is an ordered list of BuildItems; the index of an item is its
// Origin.
type Manifest struct {
	Items []*BuildItem
}

// New builds a fresh Manifest from a list of input paths, one BuildItem
// per path, none yet inserted.
func New(paths []string) *Manifest {
	m := &Manifest{}
	for _, p := range paths {
		stem := filepath.Base(p)
		m.Items = append(m.Items, &BuildItem{
			Path:         p,
			MetadataPath: fmt.Sprintf("ept-sources/%s.json", stem),
		})
	}
	return m
}

func overviewPath(postfix string) string {
	return filepath.Join("ept-sources", "list"+postfix+".json")
}

// Load reads endpoint's manifest overview and fetches every per-file
// sidecar in parallel over threads workers.
func Load(ctx context.Context, readFile func(path string) ([]byte, error), threads int, postfix string) (*Manifest, error) {
	ovBytes, err := readFile(overviewPath(postfix))
	if err != nil {
		return nil, errs.Io("read manifest overview", err)
	}
	var overview []overviewEntry
	if err := json.Unmarshal(ovBytes, &overview); err != nil {
		return nil, errs.Decode("manifest overview", err)
	}

	m := &Manifest{Items: make([]*BuildItem, len(overview))}
	for i, e := range overview {
		m.Items[i] = &BuildItem{Path: e.Path, Inserted: e.Inserted, MetadataPath: e.MetadataPath}
	}

	if threads < 1 {
		threads = 1
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for _, item := range m.Items {
		item := item
		g.Go(func() error {
			b, err := readFile(item.MetadataPath)
			if err != nil {
				return errs.Io("read "+item.MetadataPath, err)
			}
			var info SourceInfo
			if err := json.Unmarshal(b, &info); err != nil {
				return errs.Decode(item.MetadataPath, err)
			}
			item.Source = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes every per-file sidecar plus the overview, over threads
// parallel workers. postfix names the overview
// "ept-sources/list<postfix>.json" a subset build writes to, so concurrent
// subsets sharing an output directory don't clobber each other's overview.
func Save(ctx context.Context, m *Manifest, writeFile func(path string, data []byte) error, threads int, pretty bool, postfix string) error {
	if threads < 1 {
		threads = 1
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for _, item := range m.Items {
		item := item
		g.Go(func() error {
			var b []byte
			var err error
			if pretty {
				b, err = json.MarshalIndent(item.Source, "", "  ")
			} else {
				b, err = json.Marshal(item.Source)
			}
			if err != nil {
				return errs.Fatal("marshal "+item.MetadataPath, err)
			}
			return writeFile(item.MetadataPath, b)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	overview := make([]overviewEntry, len(m.Items))
	for i, item := range m.Items {
		overview[i] = overviewEntry{Path: item.Path, Inserted: item.Inserted, MetadataPath: item.MetadataPath}
	}
	var b []byte
	var err error
	if pretty {
		b, err = json.MarshalIndent(overview, "", "  ")
	} else {
		b, err = json.Marshal(overview)
	}
	if err != nil {
		return errs.Fatal("marshal manifest overview", err)
	}
	return writeFile(overviewPath(postfix), b)
}

// Merge combines a and b, which must have the same length (one subset
// build each): fold counts and, if both items are inserted, combine
// schemas and concatenate error/warning lists; if only one is inserted,
// use it as-is.
func Merge(a, b *Manifest) (*Manifest, error) {
	if len(a.Items) != len(b.Items) {
		return nil, errs.Fatal("manifest length mismatch", nil)
	}
	out := &Manifest{Items: make([]*BuildItem, len(a.Items))}
	for i := range a.Items {
		ai, bi := a.Items[i], b.Items[i]
		switch {
		case ai.Inserted && bi.Inserted:
			merged := *ai
			merged.Source.PointsInserted = ai.Source.PointsInserted + bi.Source.PointsInserted
			merged.Source.Schema = config.Union(ai.Source.Schema, bi.Source.Schema)
			merged.Source.Errors = append(append([]string{}, ai.Source.Errors...), bi.Source.Errors...)
			merged.Source.Warnings = append(append([]string{}, ai.Source.Warnings...), bi.Source.Warnings...)
			out.Items[i] = &merged
		case ai.Inserted:
			out.Items[i] = ai
		case bi.Inserted:
			out.Items[i] = bi
		default:
			out.Items[i] = ai
		}
	}
	return out, nil
}

// Reduce folds the SourceInfo of every item into one aggregate: bounds
// union, total point count, schema union, and an SRS consistency check
// where the first non-empty SRS wins and any conflict becomes a warning.
func Reduce(items []*BuildItem) SourceInfo {
	var out SourceInfo
	var have bool
	for _, item := range items {
		si := item.Source
		if !have {
			out.Bounds = si.Bounds
			have = true
		} else {
			out.Bounds = config.FromGeo(out.Bounds.Geo().Grow(si.Bounds.Geo()))
		}
		out.Points += si.Points
		out.PointsInserted += si.PointsInserted
		out.Schema = config.Union(out.Schema, si.Schema)
		if out.Srs.Empty() && !si.Srs.Empty() {
			out.Srs = si.Srs
		} else if !out.Srs.Empty() && !si.Srs.Empty() && out.Srs != si.Srs {
			out.Warnings = append(out.Warnings, fmt.Sprintf("conflicting SRS in %s", item.Path))
		}
		out.Errors = append(out.Errors, si.Errors...)
		out.Warnings = append(out.Warnings, si.Warnings...)
	}
	if !have {
		out.Bounds = config.FromGeo(geo.Bounds{})
	}
	return out
}

// AllInserted reports whether every item has been inserted.
func (m *Manifest) AllInserted() bool {
	for _, item := range m.Items {
		if !item.Inserted {
			return false
		}
	}
	return true
}

// ReadFileFunc adapts os.ReadFile into Load's readFile parameter, rooted
// at dir.
func ReadFileFunc(dir string) func(path string) ([]byte, error) {
	return func(path string) ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, path))
	}
}
