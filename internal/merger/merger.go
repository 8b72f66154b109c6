// Package merger implements combining independently completed subset
// builds into a single tree. Each subset produces its own
// ept.json/ept-build.json, hierarchy, manifest, and ept-data chunks, all
// addressed by the same ChunkKey space (subsets differ only in which
// points they were allowed to insert, via the active-bounds slab of
// internal/builder). Merging therefore reduces to combining hierarchy
// entries chunk by chunk: a ChunkKey only one subset ever touched is a
// disjoint copy; a ChunkKey more than one subset touched must have both
// chunks' points decoded, concatenated, and reinserted through a cache so
// the combined count re-triggers the same overflow-to-children logic a
// single build would have used.
package merger

import (
	"context"
	"encoding/json"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/entwine-project/entwine/internal/cache"
	"github.com/entwine-project/entwine/internal/chunk"
	"github.com/entwine-project/entwine/internal/codec"
	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/errs"
	"github.com/entwine-project/entwine/internal/geo"
	"github.com/entwine-project/entwine/internal/hierarchy"
	"github.com/entwine-project/entwine/internal/key"
	"github.com/entwine-project/entwine/internal/manifest"
	"github.com/entwine-project/entwine/internal/store"
)

func unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Decode("unmarshal", err)
	}
	return nil
}

func unmarshalEntries(data []byte) (map[string]int64, error) {
	var m map[string]int64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Decode("hierarchy shard", err)
	}
	return m, nil
}

// Subset is one completed subset build's addressable state. Postfix is the
// "-<id>" suffix its files were written under; it is empty
// when a subset was built into its own dedicated store (cmd/entwine's
// merge always loads with "", since every path it reads is then
// unambiguous on its own).
type Subset struct {
	Store    store.Store
	Metadata config.Metadata
	Params   config.BuildParams
	Postfix  string
}

// Load reads ept{postfix}.json, ept-build{postfix}.json, the (monolithic)
// hierarchy, and the manifest for one subset build out of st. postfix is
// "-<id>" when multiple subsets share one store, or "" when each subset has
// its own.
func Load(ctx context.Context, st store.Store, readFile func(path string) ([]byte, error), threads int, postfix string) (Subset, *hierarchy.Hierarchy, *manifest.Manifest, error) {
	mdBytes, err := st.Get(ctx, "ept"+postfix+".json")
	if err != nil {
		return Subset{}, nil, nil, errs.Io("read ept"+postfix+".json", err)
	}
	var md config.Metadata
	if err := unmarshal(mdBytes, &md); err != nil {
		return Subset{}, nil, nil, err
	}

	paramBytes, err := st.Get(ctx, "ept-build"+postfix+".json")
	if err != nil {
		return Subset{}, nil, nil, errs.Io("read ept-build"+postfix+".json", err)
	}
	var params config.BuildParams
	if err := unmarshal(paramBytes, &params); err != nil {
		return Subset{}, nil, nil, err
	}

	hierBytes, err := st.Get(ctx, "ept-hierarchy/"+key.Dxyz(0, 0, 0, 0)+postfix+".json")
	if err != nil {
		return Subset{}, nil, nil, errs.Io("read hierarchy", err)
	}
	entries, err := unmarshalEntries(hierBytes)
	if err != nil {
		return Subset{}, nil, nil, err
	}
	hier := hierarchy.Load([]hierarchy.Shard{{Root: key.Dxyz(0, 0, 0, 0), Entries: entries}})

	m, err := manifest.Load(ctx, readFile, threads, postfix)
	if err != nil {
		return Subset{}, nil, nil, err
	}

	return Subset{Store: st, Metadata: md, Params: params, Postfix: postfix}, hier, m, nil
}

// Merger combines subset builds.
type Merger struct {
	out   store.Store
	codec codec.Dispatcher
	log   *log.Logger
}

func New(out store.Store, cd codec.Dispatcher, lg *log.Logger) *Merger {
	return &Merger{out: out, codec: cd, log: lg}
}

// Merge treats subsets[0] as the base, copies its exclusive chunks plus
// every other subset's exclusive chunks into mg.out, reinserts any chunk
// two or more subsets touched, and returns the merged Metadata, hierarchy,
// and manifest ready for Builder.Save-style finalization.
func (mg *Merger) Merge(ctx context.Context, subsets []Subset, hiers []*hierarchy.Hierarchy, manifests []*manifest.Manifest, threads int) (config.Metadata, *hierarchy.Hierarchy, *manifest.Manifest, error) {
	if len(subsets) == 0 {
		return config.Metadata{}, nil, nil, errs.Config("no subsets to merge", nil)
	}

	base := subsets[0].Metadata
	base.Subset = nil
	baseHier := hierarchy.New()
	for k, v := range hiers[0].Snapshot() {
		baseHier.Set(k, v)
	}
	baseManifest := manifests[0]

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)

	// Any dxyz another subset also touched will go through mergeChunk below
	// instead of a straight copy.
	shared := make(map[string]bool)
	for i := 1; i < len(subsets); i++ {
		for dxyz := range hiers[i].Snapshot() {
			if baseHier.Has(dxyz) {
				shared[dxyz] = true
			}
		}
	}

	// The base subset's own exclusive chunks live in subsets[0].Store,
	// which may not be mg.out; copy them across before folding in the rest.
	for dxyz, count := range hiers[0].Snapshot() {
		dxyz, count := dxyz, count
		if count <= 0 || shared[dxyz] {
			continue
		}
		g.Go(func() error {
			return mg.copyChunk(gctx, subsets[0].Store, subsets[0].Postfix, dxyz, subsets[0].Metadata.DataType)
		})
	}

	for i := 1; i < len(subsets); i++ {
		i := i
		for dxyz, count := range hiers[i].Snapshot() {
			dxyz, count := dxyz, count
			if !baseHier.Has(dxyz) {
				baseHier.Set(dxyz, count)
				if count > 0 {
					g.Go(func() error {
						return mg.copyChunk(gctx, subsets[i].Store, subsets[i].Postfix, dxyz, subsets[i].Metadata.DataType)
					})
				}
				continue
			}
			existing := baseHier.Get(dxyz)
			g.Go(func() error {
				return mg.mergeChunk(gctx, subsets[0], subsets[i], base, dxyz, existing, count, baseHier)
			})
		}
		if err := g.Wait(); err != nil {
			return config.Metadata{}, nil, nil, err
		}
		merged, err := manifest.Merge(baseManifest, manifests[i])
		if err != nil {
			return config.Metadata{}, nil, nil, err
		}
		baseManifest = merged

		base.Schema = config.Union(base.Schema, subsets[i].Metadata.Schema)
		base.Bounds = config.FromGeo(base.Bounds.Geo().Grow(subsets[i].Metadata.Bounds.Geo()))
		if base.Srs.Empty() && !subsets[i].Metadata.Srs.Empty() {
			base.Srs = subsets[i].Metadata.Srs
		}
	}

	base.Points = uint64(baseHier.Total())
	return base, baseHier, baseManifest, nil
}

// copyChunk moves a ChunkKey exclusively owned by one subset straight to
// the merged output, no decode/reencode needed.
func (mg *Merger) copyChunk(ctx context.Context, src store.Store, postfix, dxyz string, dt config.DataType) error {
	ext := codec.Extension(dt)
	data, err := src.Get(ctx, "ept-data/"+dxyz+postfix+"."+ext)
	if err != nil {
		return errs.Io("copy "+dxyz, err)
	}
	return mg.out.Put(ctx, "ept-data/"+dxyz+"."+ext, data)
}

// mergeChunk handles a ChunkKey two subsets both wrote to: decode both,
// concatenate their points, and reinsert through a scratch Chunk/Cache so
// a combined overflow re-triggers the same spill-to-children logic a
// single build would have applied.
func (mg *Merger) mergeChunk(ctx context.Context, a, b Subset, merged config.Metadata, dxyz string, countA, countB int64, baseHier *hierarchy.Hierarchy) error {
	d, x, y, z, err := key.ParseDxyz(dxyz)
	if err != nil {
		return err
	}
	startDepth := a.Params.StartDepth
	ck := rebuildChunkKey(merged.Bounds.Geo(), startDepth, d, x, y, z)

	var rows [][]float64
	if countA > 0 {
		extA := codec.Extension(a.Metadata.DataType)
		dataA, err := a.Store.Get(ctx, "ept-data/"+dxyz+a.Postfix+"."+extA)
		if err != nil {
			return errs.Io("merge read "+dxyz, err)
		}
		ptsA, err := mg.codec.Read(a.Metadata.DataType, a.Metadata.Schema, dataA)
		if err != nil {
			return err
		}
		rows = append(rows, ptsA...)
	}
	if countB > 0 {
		extB := codec.Extension(b.Metadata.DataType)
		dataB, err := b.Store.Get(ctx, "ept-data/"+dxyz+b.Postfix+"."+extB)
		if err != nil {
			return errs.Io("merge read "+dxyz, err)
		}
		ptsB, err := mg.codec.Read(b.Metadata.DataType, b.Metadata.Schema, dataB)
		if err != nil {
			return err
		}
		rows = append(rows, ptsB...)
	}

	xIdx, yIdx, zIdx := -1, -1, -1
	for i, dim := range merged.Schema {
		switch dim.Name {
		case "X":
			xIdx = i
		case "Y":
			yIdx = i
		case "Z":
			zIdx = i
		}
	}
	if xIdx < 0 || yIdx < 0 || zIdx < 0 {
		return errs.Config("merged schema is missing X/Y/Z", nil)
	}

	cfg := chunkConfig(a.Params)
	if merged.Span > 0 {
		cfg.Span = uint32(merged.Span)
	}
	hier := hierarchy.New()
	c := cache.New(cache.Config{
		Store:       mg.out,
		Codec:       mg.codec,
		Hierarchy:   hier,
		ChunkCfg:    cfg,
		StartDepth:  startDepth,
		DataType:    merged.DataType,
		Schema:      merged.Schema,
		ClipThreads: 1,
		RootKey:     key.Root(merged.Bounds.Geo()),
		XIndex:      xIdx,
		YIndex:      yIdx,
		ZIndex:      zIdx,
	})
	clipper := c.NewClipper()
	maxTickDepth := startDepth
	for s := uint32(merged.Span); s > 1; s >>= 1 {
		maxTickDepth++
	}
	maxTickDepth += cfg.MaxTickDepth

	root := key.Root(merged.Bounds.Geo())
	for _, row := range rows {
		p := geo.Point{X: row[xIdx], Y: row[yIdx], Z: row[zIdx]}
		fine := root.StepTo(p, maxTickDepth)
		if err := c.Insert(ck, fine, p, row, clipper); err != nil {
			return err
		}
	}
	clipper.Clip()
	if err := c.Join(); err != nil {
		return err
	}
	for k, v := range hier.Snapshot() {
		baseHier.Set(k, v)
	}
	return nil
}

func chunkConfig(p config.BuildParams) chunk.Config {
	maxOverflow := p.MinNodeSize
	if maxOverflow == 0 {
		maxOverflow = p.MaxNodeSize / 4
	}
	return chunk.Config{
		Span:         128,
		MaxNodeSize:  p.MaxNodeSize,
		MinNodeSize:  p.MinNodeSize,
		MaxOverflow:  maxOverflow,
		MaxTickDepth: 12,
	}
}

// rebuildChunkKey reconstructs the ChunkKey for (depth, x, y, z) by
// descending from the root one level at a time, so its bounds (unexported,
// accumulated via successive octant slices) come out correct without a
// side-channel.
func rebuildChunkKey(bounds geo.Bounds, startDepth, depth, x, y, z uint32) key.ChunkKey {
	ck := key.RootChunkKey(bounds, startDepth)
	for d := startDepth; d < depth; d++ {
		shift := depth - d - 1
		dir := 0
		if (x>>shift)&1 != 0 {
			dir |= 1
		}
		if (y>>shift)&1 != 0 {
			dir |= 2
		}
		if (z>>shift)&1 != 0 {
			dir |= 4
		}
		ck = ck.GetStep(dir)
	}
	return ck
}
