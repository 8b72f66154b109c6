// Package builder implements the orchestration that drives insertion
// of every manifest item's points into the ChunkCache, plus the progress
// monitor and final save.
package builder

import (
	"context"
	"encoding/json"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

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
	"github.com/entwine-project/entwine/internal/pipeline"
	"github.com/entwine-project/entwine/internal/store"
)

// Config groups everything a Builder needs.
type Config struct {
	Manifest   *manifest.Manifest
	Metadata   config.Metadata
	Params     config.BuildParams
	Store      store.Store
	Executor   pipeline.Executor
	Codec      codec.Dispatcher
	Log        *log.Logger
	NoOriginId bool
	// Postfix, when set, names every file this Builder writes with a
	// "-<id>"-style suffix, so several subset builds can
	// share one Store/output directory without colliding. Leave it empty
	// when each subset gets its own dedicated Store.
	Postfix string
}

// Builder drives insertion.
type Builder struct {
	m        *manifest.Manifest
	md       config.Metadata
	params   config.BuildParams
	store    store.Store
	executor pipeline.Executor
	log      *log.Logger

	cache        *cache.Cache
	hier         *hierarchy.Hierarchy
	rootKey      key.Key
	rootChunkKey key.ChunkKey
	startDepth   uint32

	xIdx, yIdx, zIdx int
	originIdx        int // -1 if OriginId is not in the schema
	pointIdIdx       int // -1 if PointId is not in the schema
	noOriginId       bool

	activeBounds geo.Bounds
	postfix      string // "-<id>" for subset builds, shared by several sharing one output dir
	inserted     uint64 // atomic, total points inserted this run
}

const defaultStartDepth = 4

// New constructs a Builder, its Hierarchy, and its ChunkCache.
func New(cfg Config, hier *hierarchy.Hierarchy, clipThreads int) (*Builder, error) {
	xIdx, yIdx, zIdx := -1, -1, -1
	originIdx := -1
	pointIdIdx := -1
	for i, d := range cfg.Metadata.Schema {
		switch d.Name {
		case "X":
			xIdx = i
		case "Y":
			yIdx = i
		case "Z":
			zIdx = i
		case "OriginId":
			originIdx = i
		case "PointId":
			pointIdIdx = i
		}
	}
	if xIdx < 0 || yIdx < 0 || zIdx < 0 {
		return nil, errs.Config("schema is missing X/Y/Z", nil)
	}

	startDepth := cfg.Params.StartDepth
	if startDepth == 0 {
		startDepth = defaultStartDepth
	}
	rootKey := key.Root(cfg.Metadata.Bounds.Geo())
	rootChunkKey := key.RootChunkKey(cfg.Metadata.Bounds.Geo(), startDepth)

	span := uint32(cfg.Metadata.Span)
	if span == 0 {
		span = 128
	}
	maxOverflow := cfg.Params.MinNodeSize
	if maxOverflow == 0 {
		maxOverflow = cfg.Params.MaxNodeSize / 4
	}
	chunkCfg := chunk.Config{
		Span:         span,
		MaxNodeSize:  cfg.Params.MaxNodeSize,
		MinNodeSize:  cfg.Params.MinNodeSize,
		MaxOverflow:  maxOverflow,
		MaxTickDepth: 12,
	}

	c := cache.New(cache.Config{
		Store:       cfg.Store,
		Codec:       cfg.Codec,
		Hierarchy:   hier,
		ChunkCfg:    chunkCfg,
		StartDepth:  startDepth,
		DataType:    cfg.Metadata.DataType,
		Schema:      cfg.Metadata.Schema,
		ClipThreads: clipThreads,
		RootKey:     rootKey,
		XIndex:      xIdx,
		YIndex:      yIdx,
		ZIndex:      zIdx,
		Postfix:     cfg.Postfix,
	})

	active := cfg.Metadata.BoundsConforming.Geo()
	if s := cfg.Metadata.Subset; s != nil {
		slab := ActiveBounds(cfg.Metadata.Bounds.Geo(), s.Id, s.Of)
		active = geo.Bounds{
			Min: geo.Point{X: maxf(active.Min.X, slab.Min.X), Y: maxf(active.Min.Y, slab.Min.Y), Z: maxf(active.Min.Z, slab.Min.Z)},
			Max: geo.Point{X: minf(active.Max.X, slab.Max.X), Y: minf(active.Max.Y, slab.Max.Y), Z: minf(active.Max.Z, slab.Max.Z)},
		}
	}

	return &Builder{
		m:            cfg.Manifest,
		md:           cfg.Metadata,
		params:       cfg.Params,
		store:        cfg.Store,
		executor:     cfg.Executor,
		log:          cfg.Log,
		cache:        c,
		hier:         hier,
		rootKey:      rootKey,
		rootChunkKey: rootChunkKey,
		startDepth:   startDepth,
		xIdx:         xIdx,
		yIdx:         yIdx,
		zIdx:         zIdx,
		originIdx:    originIdx,
		pointIdIdx:   pointIdIdx,
		noOriginId:   cfg.NoOriginId,
		activeBounds: active,
		postfix:      cfg.Postfix,
	}, nil
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// splitThreads divides configured threads into a work pool and a clip
// pool: W = min(configured/2, inputs), at least 1; C = configured - W, at
// least 1. Fewer than two configured threads count as two.
func splitThreads(configured, inputs int) (work, clip int) {
	if configured < 2 {
		configured = 2
	}
	work = configured / 2
	if work > inputs {
		work = inputs
	}
	if work < 1 {
		work = 1
	}
	clip = configured - work
	if clip < 1 {
		clip = 1
	}
	return work, clip
}

// Run drives the build: spawns a monitor, iterates the Manifest scheduling
// tryInsert onto a bounded work pool, then joins the cache.
func (b *Builder) Run(ctx context.Context, threads, limit int, progressInterval time.Duration) (uint64, error) {
	work, _ := splitThreads(threads, len(b.m.Items))

	done := make(chan struct{})
	mon := newMonitor(b.log, b.cache, b.md.Points, progressInterval, func() uint64 {
		return atomic.LoadUint64(&b.inserted)
	})
	go mon.run(done)
	defer close(done)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(work)

	var filesInserted int32
	var scheduled int
	var mu sync.Mutex
	for origin, item := range b.m.Items {
		origin, item := origin, item
		if item.Inserted {
			continue
		}
		if limit > 0 && scheduled >= limit {
			break
		}
		if !Overlaps(item.Source.Bounds.Geo(), b.activeBounds) && item.Source.Bounds != (config.Bounds{}) {
			continue
		}
		scheduled++
		g.Go(func() error {
			b.tryInsert(gctx, origin, item)
			mu.Lock()
			atomic.AddInt32(&filesInserted, 1)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := b.cache.Join(); err != nil {
		return 0, err
	}
	return atomic.LoadUint64(&b.inserted), nil
}

// tryInsert wraps insert in a catch-all: any error is recorded as a text
// error on the item and Inserted is set true regardless, so the file is
// never retried on continuation.
func (b *Builder) tryInsert(ctx context.Context, origin int, item *manifest.BuildItem) {
	if err := b.insert(ctx, origin, item); err != nil {
		item.Source.Errors = append(item.Source.Errors, err.Error())
		b.log.Printf("[builder] %s: %v", item.Path, err)
	}
	item.Inserted = true
}

func (b *Builder) insert(ctx context.Context, origin int, item *manifest.BuildItem) error {
	spec := pipeline.Spec{Stages: []pipeline.Stage{{Kind: pipeline.StageRead, Path: item.Path}}}
	if !b.noOriginId && b.originIdx >= 0 {
		spec.Stages = append(spec.Stages, pipeline.Stage{
			Kind: pipeline.StageAssign, AssignDimension: "OriginId", AssignOrigin: true,
		})
	}
	if len(item.Source.Schema) == 0 {
		spec.Stages = append(spec.Stages, pipeline.Stage{
			Kind: pipeline.StageStats, ClipBounds: &b.activeBounds,
		})
	}

	clipper := b.cache.NewClipper()
	var count uint64
	var seen uint64

	sink := func(p pipeline.Point) error {
		row := p.Row
		if !b.noOriginId && b.originIdx >= 0 && b.originIdx < len(row) {
			row[b.originIdx] = float64(origin)
		}
		if b.pointIdIdx >= 0 && b.pointIdIdx < len(row) {
			row[b.pointIdIdx] = float64(p.PointId)
		}
		pt := geo.Point{X: row[b.xIdx], Y: row[b.yIdx], Z: row[b.zIdx]}
		if !b.md.BoundsConforming.Geo().Contains(pt) {
			return nil
		}
		if b.md.Subset != nil && !b.activeBounds.Contains(pt) {
			return nil
		}

		fine := b.rootKey.StepTo(pt, b.maxTickDepth())
		if err := b.cache.Insert(b.rootChunkKey, fine, pt, row, clipper); err != nil {
			return errs.Input(item.Path, err)
		}
		count++
		atomic.AddUint64(&b.inserted, 1)

		seen++
		sleepCount := b.params.SleepCount
		if sleepCount == 0 {
			sleepCount = 65536
		}
		if seen%sleepCount == 0 {
			clipper.Clip()
		}
		return nil
	}

	stats, err := b.executor.Run(ctx, spec, sink)
	clipper.Clip()
	if err != nil {
		return errs.Input(item.Path, err)
	}

	item.Source.PointsInserted = count
	if len(item.Source.Schema) == 0 {
		item.Source.Schema = config.Schema(stats.Dimensions)
	}
	return nil
}

func (b *Builder) maxTickDepth() uint32 {
	span := uint32(b.md.Span)
	if span == 0 {
		span = 128
	}
	d := b.startDepth
	for s := span; s > 1; s >>= 1 {
		d++
	}
	return d + 12
}

// Save writes hierarchy shards, the manifest, and ept.json/ept-build.json.
func (b *Builder) Save(ctx context.Context, writeFile func(path string, data []byte) error, totalThreads int) error {
	stepped := !isSubset(b.md) && b.m.AllInserted()
	step := b.params.HierarchyStep
	if stepped && step == 0 {
		s, err := b.hier.DefaultStep(65536)
		if err != nil {
			return err
		}
		step = s
	}
	if !stepped {
		step = 0
	}

	shards, err := b.hier.Shards(step)
	if err != nil {
		return err
	}
	for _, s := range shards {
		data, err := s.Marshal()
		if err != nil {
			return errs.Fatal("marshal hierarchy shard "+s.Root, err)
		}
		if err := writeFile(filepath.Join("ept-hierarchy", s.Root+b.postfix+".json"), data); err != nil {
			return err
		}
	}

	if err := manifest.Save(ctx, b.m, writeFile, totalThreads, false, b.postfix); err != nil {
		return err
	}

	b.md.Points = uint64(b.hier.Total())
	b.params.HierarchyStep = step

	mdBytes, err := marshalIndent(b.md)
	if err != nil {
		return err
	}
	if err := writeFile("ept"+b.postfix+".json", mdBytes); err != nil {
		return err
	}
	paramBytes, err := marshalIndent(b.params)
	if err != nil {
		return err
	}
	return writeFile("ept-build"+b.postfix+".json", paramBytes)
}

func isSubset(md config.Metadata) bool { return md.Subset != nil }

func marshalIndent(v interface{}) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errs.Fatal("marshal", err)
	}
	return b, nil
}
