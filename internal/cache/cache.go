// Package cache implements the ChunkCache: a concurrent,
// reference-counted, bounded working set of Chunks with on-demand
// fault-in, cooperative eviction via per-worker Clippers, and
// at-most-one-in-flight load/store per ChunkKey.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/entwine-project/entwine/internal/chunk"
	"github.com/entwine-project/entwine/internal/codec"
	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/errs"
	"github.com/entwine-project/entwine/internal/geo"
	"github.com/entwine-project/entwine/internal/hierarchy"
	"github.com/entwine-project/entwine/internal/key"
	"github.com/entwine-project/entwine/internal/store"
)

type state int

const (
	stateAbsent state = iota
	stateLoading
	stateResident
	stateEvicting
)

type entry struct {
	ck       key.ChunkKey
	refcount int
	chunk    *chunk.Chunk
	state    state
}

// slice is one partition of the ChunkKey -> entry map, each with its own
// lock, so contention is spread across NumSlices locks instead of one
// global mutex.
type slice struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*entry
}

// NumSlices is the default slice count for the sharded ChunkKey map.
const NumSlices = 64

// writeJob is one (key, chunk) pair pending serialization.
type writeJob struct {
	ck key.ChunkKey
	c  *chunk.Chunk
}

// Cache is the ChunkCache.
type Cache struct {
	slices []*slice

	store      store.Store
	codec      codec.Dispatcher
	hier       *hierarchy.Hierarchy
	cfg        chunk.Config
	startDepth uint32
	dataType   config.DataType
	schema     config.Schema
	laz14      bool
	rootKey    key.Key
	xIdx, yIdx, zIdx int

	jobs      chan writeJob
	wwg       sync.WaitGroup
	workerErr atomic.Value // error

	// postfix is appended to every ept-data path ("-<id>" for subset
	// builds, ), so concurrent subset builds sharing an output
	// directory never collide on the same chunk file.
	postfix string

	chunksWritten int64
	chunksRead    int64
}

// Config groups everything needed to construct a Cache.
type Config struct {
	Store       store.Store
	Codec       codec.Dispatcher
	Hierarchy   *hierarchy.Hierarchy
	ChunkCfg    chunk.Config
	StartDepth  uint32
	DataType    config.DataType
	Schema      config.Schema
	Laz14       bool
	ClipThreads int
	// RootKey is the Key at the root of the whole octree (depth 0, full
	// cubic bounds), used to recompute a fault-loaded point's fine-grained
	// position deterministically.
	RootKey key.Key
	// XIndex/YIndex/ZIndex are the schema-order positions of the X/Y/Z
	// dimensions, used the same way.
	XIndex, YIndex, ZIndex int
	// Postfix is appended to every ept-data path, e.g. "-3" for subset 3.
	Postfix string
}

// New constructs a Cache and starts its write pool.
func New(cfg Config) *Cache {
	c := &Cache{
		slices:     make([]*slice, NumSlices),
		store:      cfg.Store,
		codec:      cfg.Codec,
		hier:       cfg.Hierarchy,
		cfg:        cfg.ChunkCfg,
		startDepth: cfg.StartDepth,
		dataType:   cfg.DataType,
		schema:     cfg.Schema,
		laz14:      cfg.Laz14,
		rootKey:    cfg.RootKey,
		xIdx:       cfg.XIndex,
		yIdx:       cfg.YIndex,
		zIdx:       cfg.ZIndex,
		postfix:    cfg.Postfix,
		jobs:       make(chan writeJob, cfg.ClipThreads*4),
	}
	for i := range c.slices {
		s := &slice{entries: make(map[string]*entry)}
		s.cond = sync.NewCond(&s.mu)
		c.slices[i] = s
	}
	n := cfg.ClipThreads
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		c.wwg.Add(1)
		go c.writeWorker()
	}
	return c
}

func (c *Cache) sliceFor(dxyz string) *slice {
	h := xxhash.Sum64String(dxyz)
	return c.slices[h%uint64(len(c.slices))]
}

// Clipper is a per-worker token accumulating references to every Chunk its
// insertion path has touched since the last Clip().
type Clipper struct {
	cache   *Cache
	touched map[string]key.ChunkKey
}

// NewClipper returns a fresh Clipper for one worker.
func (c *Cache) NewClipper() *Clipper {
	return &Clipper{cache: c, touched: make(map[string]key.ChunkKey)}
}

// Clip releases this Clipper's reference on every chunk it has
// accumulated, then clears its set. Workers call this every sleepCount
// points and at shutdown.
func (cl *Clipper) Clip() {
	for dxyz, ck := range cl.touched {
		cl.cache.unref(ck, dxyz)
	}
	cl.touched = make(map[string]key.ChunkKey)
}

func (c *Cache) ref(ck key.ChunkKey) (*chunk.Chunk, error) {
	dxyz := ck.Dxyz()
	s := c.sliceFor(dxyz)
	s.mu.Lock()
	e, ok := s.entries[dxyz]
	if !ok {
		e = &entry{ck: ck, state: stateLoading}
		s.entries[dxyz] = e
		s.mu.Unlock()

		loaded, err := c.faultIn(ck)
		if err != nil {
			s.mu.Lock()
			delete(s.entries, dxyz)
			s.cond.Broadcast()
			s.mu.Unlock()
			return nil, err
		}

		s.mu.Lock()
		e.chunk = loaded
		e.state = stateResident
		e.refcount++
		s.cond.Broadcast()
		s.mu.Unlock()
		return loaded, nil
	}

	for e.state == stateLoading {
		s.cond.Wait()
	}
	for e.state == stateEvicting {
		s.cond.Wait()
		e, ok = s.entries[dxyz]
		if !ok {
			s.mu.Unlock()
			return c.ref(ck)
		}
	}
	e.refcount++
	s.mu.Unlock()
	return e.chunk, nil
}

func (c *Cache) unref(ck key.ChunkKey, dxyz string) {
	s := c.sliceFor(dxyz)
	s.mu.Lock()
	e, ok := s.entries[dxyz]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.refcount--
	if e.refcount > 0 {
		s.mu.Unlock()
		return
	}
	e.state = stateEvicting
	chunkObj := e.chunk
	s.mu.Unlock()

	c.jobs <- writeJob{ck: ck, c: chunkObj}
}

// faultIn loads an absent chunk: from the store if the Hierarchy already
// records points for it, otherwise a fresh empty chunk.
func (c *Cache) faultIn(ck key.ChunkKey) (*chunk.Chunk, error) {
	count := c.hier.Get(ck.Dxyz())
	if count == 0 {
		return chunk.New(ck, c.cfg), nil
	}
	ext := codec.Extension(c.dataType)
	data, err := c.store.Get(context.Background(), "ept-data/"+ck.Dxyz()+c.postfix+"."+ext)
	if err != nil {
		return nil, errs.Io("fault-in "+ck.Dxyz(), err)
	}
	pts, err := c.codec.Read(c.dataType, c.schema, data)
	if err != nil {
		return nil, err
	}
	maxTickDepth := c.maxTickDepth()
	loaded := chunk.New(ck, c.cfg)
	loaded.Populate(c.rootKey, maxTickDepth, c.xIdx, c.yIdx, c.zIdx, pts)
	atomic.AddInt64(&c.chunksRead, 1)
	hasChildren := false
	for _, child := range ck.Children() {
		if c.hier.Has(child.Dxyz()) {
			hasChildren = true
			break
		}
	}
	loaded.SetHasChildren(hasChildren)
	return loaded, nil
}

func (c *Cache) maxTickDepth() uint32 {
	d := c.startDepth
	for s := c.cfg.Span; s > 1; s >>= 1 {
		d++
	}
	return d + c.cfg.MaxTickDepth
}

// writeWorker drains c.jobs: serializing, storing, recording the
// hierarchy entry, and removing the map slot.
func (c *Cache) writeWorker() {
	defer c.wwg.Done()
	for job := range c.jobs {
		if err := c.flush(job); err != nil {
			c.workerErr.Store(err)
		}
	}
}

func (c *Cache) flush(job writeJob) error {
	dxyz := job.ck.Dxyz()
	count := job.c.Count()
	if count > 0 {
		pts := job.c.Rows()
		data, ext, err := c.codec.Write(c.dataType, c.schema, c.laz14, pts)
		if err != nil {
			return errs.Fatal("encode "+dxyz, err)
		}
		if err := c.store.Put(context.Background(), "ept-data/"+dxyz+c.postfix+"."+ext, data); err != nil {
			return errs.Fatal("put "+dxyz, err)
		}
	}
	c.hier.Set(dxyz, int64(count))
	atomic.AddInt64(&c.chunksWritten, 1)

	s := c.sliceFor(dxyz)
	s.mu.Lock()
	delete(s.entries, dxyz)
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// Insert descends the chunk tree from the chunk cc currently names,
// magnifying toward fine (the point's fully-resolved voxel key) until it
// reaches the terminal chunk for this point, inserting voxel v there. Any
// overflow spilled by a saturated chunk is recursively reinserted at the
// freshly-created children. clipper accumulates a reference on every
// chunk visited.
func (c *Cache) Insert(cc key.ChunkKey, fine key.Key, p geo.Point, row []float64, clipper *Clipper) error {
	ch, err := c.ref(cc)
	if err != nil {
		return err
	}
	dxyz := cc.Dxyz()
	if _, already := clipper.touched[dxyz]; already {
		// The clipper already holds its one reference on this chunk; drop
		// the extra one ref just took so Clip releases exactly what was held.
		c.unref(cc, dxyz)
	} else {
		clipper.touched[dxyz] = cc
	}

	if ch.HasChildren() {
		next := cc.StepToward(fine)
		return c.Insert(next, fine, p, row, clipper)
	}

	v := ch.MakeVoxel(p, fine, row)
	tx, ty, _ := ch.SpanCoords(fine)
	action, spilled := ch.Insert(tx, ty, v)
	if action == chunk.Accepted {
		return nil
	}

	for _, ov := range spilled {
		ovFine := key.Key{Depth: fine.Depth, X: ov.X, Y: ov.Y, Z: ov.Z}
		dir := childDirection(cc, ovFine)
		child := cc.GetStep(dir)
		if err := c.Insert(child, ovFine, ov.Point, ov.Row, clipper); err != nil {
			return err
		}
	}
	return nil
}

// childDirection recovers which of ck's eight children owns fine, by
// comparing one bit of each axis at ck.Depth.
func childDirection(ck key.ChunkKey, fine key.Key) int {
	shift := fine.Depth - ck.Depth - 1
	dir := 0
	if (fine.X>>shift)&1 != 0 {
		dir |= 1
	}
	if (fine.Y>>shift)&1 != 0 {
		dir |= 2
	}
	if (fine.Z>>shift)&1 != 0 {
		dir |= 4
	}
	return dir
}

// Join flushes every resident chunk to the store and blocks until the
// write queue drains.
func (c *Cache) Join() error {
	var pending []writeJob
	for _, s := range c.slices {
		s.mu.Lock()
		for dxyz, e := range s.entries {
			for e.state == stateLoading || e.state == stateEvicting {
				s.cond.Wait()
			}
			if e.state == stateResident {
				e.state = stateEvicting
				pending = append(pending, writeJob{ck: e.ck, c: e.chunk})
				delete(s.entries, dxyz)
			}
		}
		s.mu.Unlock()
	}
	for _, job := range pending {
		c.jobs <- job
	}
	close(c.jobs)
	c.wwg.Wait()
	if v := c.workerErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Info is a snapshot of the cache's monotonic counters, published via
// LatchInfo for the progress monitor.
type Info struct {
	ChunksWritten int64
	ChunksRead    int64
	ChunksAlive   int64
}

// LatchInfo returns a point-in-time snapshot of the cache's counters.
func (c *Cache) LatchInfo() Info {
	var alive int64
	for _, s := range c.slices {
		s.mu.Lock()
		alive += int64(len(s.entries))
		s.mu.Unlock()
	}
	return Info{
		ChunksWritten: atomic.LoadInt64(&c.chunksWritten),
		ChunksRead:    atomic.LoadInt64(&c.chunksRead),
		ChunksAlive:   alive,
	}
}
