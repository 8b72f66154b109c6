// Package chunk implements the bounded in-memory container of voxels
// for one octree node, and its overflow-to-children state machine.
package chunk

import (
	"sync"

	"github.com/entwine-project/entwine/internal/geo"
	"github.com/entwine-project/entwine/internal/key"
	"github.com/entwine-project/entwine/internal/voxel"
)

// State governs what a Chunk currently accepts.
type State int

const (
	Accepting State = iota
	Overflowing
	Sealed
)

// Action reports the outcome of an insert.
type Action int

const (
	Accepted Action = iota
	SpillChildren
)

// Config carries the node-sizing parameters from global metadata that a
// Chunk needs in order to decide when to overflow to children.
type Config struct {
	Span         uint32
	MaxNodeSize  uint64
	MinNodeSize  uint64
	MaxOverflow  uint64
	MaxTickDepth uint32
}

// Chunk is the in-memory representation of one octree node's points, prior
// to (or instead of) any overflow to children.
type Chunk struct {
	mu sync.Mutex

	Key    key.ChunkKey
	cfg    Config
	tubes  []*voxel.Tube // span*span grid, row-major (ty*span+tx)
	tubeSz uint64        // running count of occupied tube cells

	overflow []voxel.Voxel

	hasChildren bool
	state       State
}

// New returns an empty Chunk for k.
func New(k key.ChunkKey, cfg Config) *Chunk {
	return &Chunk{
		Key:   k,
		cfg:   cfg,
		tubes: make([]*voxel.Tube, cfg.Span*cfg.Span),
	}
}

func (c *Chunk) tubeIndex(tx, ty uint32) uint32 { return ty*c.cfg.Span + tx }

func (c *Chunk) tube(tx, ty uint32) *voxel.Tube {
	idx := c.tubeIndex(tx, ty)
	t := c.tubes[idx]
	if t == nil {
		t = voxel.NewTube()
		c.tubes[idx] = t
	}
	return t
}

// HasChildren reports whether this chunk has already spilled into its
// eight children.
func (c *Chunk) HasChildren() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasChildren
}

// Count returns the chunk's current resident point count (tubes + overflow).
func (c *Chunk) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tubeSz + uint64(len(c.overflow))
}

// spanBits is log2(span).
func (c *Chunk) spanBits() uint32 {
	bits := uint32(0)
	for s := c.cfg.Span; s > 1; s >>= 1 {
		bits++
	}
	return bits
}

// SpanCoords remaps a point into this chunk's [0,span) voxel grid and
// computes its fine-grained tick, given the point's fully descended Key
// (depth == maxTickDepth; callers pass a Key already stepped to that depth
// by internal/cache).
func (c *Chunk) SpanCoords(fine key.Key) (tx, ty uint32, tick int64) {
	shift := fine.Depth - c.Key.Depth
	spanBits := c.spanBits()
	if shift < spanBits {
		spanBits = shift
	}
	tx = (fine.X >> (shift - spanBits)) & (c.cfg.Span - 1)
	ty = (fine.Y >> (shift - spanBits)) & (c.cfg.Span - 1)
	tick = int64(fine.Z)
	return tx, ty, tick
}

// center computes the canonical ideal center of the voxel cell (tx, ty,
// tick) within this chunk, for use as the Tube collision tie-break anchor.
func (c *Chunk) center(tx, ty uint32, tick int64, fineDepth uint32) geo.Point {
	b := c.Key.Bounds()
	sx := (b.Max.X - b.Min.X) / float64(c.cfg.Span)
	sy := (b.Max.Y - b.Min.Y) / float64(c.cfg.Span)
	cellsZ := uint64(1) << (fineDepth - c.Key.Depth)
	sz := (b.Max.Z - b.Min.Z) / float64(cellsZ)
	localTick := uint64(tick) & (cellsZ - 1) // tick is absolute at fineDepth
	return geo.Point{
		X: b.Min.X + sx*(float64(tx)+0.5),
		Y: b.Min.Y + sy*(float64(ty)+0.5),
		Z: b.Min.Z + sz*(float64(localTick)+0.5),
	}
}

// MakeVoxel builds a voxel.Voxel for point p (whose fully resolved fine
// Key is fine) carrying row, the point's full attribute record in schema
// order.
func (c *Chunk) MakeVoxel(p geo.Point, fine key.Key, row []float64) voxel.Voxel {
	tx, ty, tick := c.SpanCoords(fine)
	return voxel.Voxel{
		X: fine.X, Y: fine.Y, Z: fine.Z,
		Tick:   tick,
		Center: c.center(tx, ty, tick, fine.Depth),
		Point:  p,
		Row:    row,
	}
}

// Insert places v (already addressed to (tx, ty) within this chunk) and
// reports the resulting Action. If the result is SpillChildren, the
// returned slice is every overflowed voxel that the caller (ChunkCache)
// must reinsert at the appropriate child chunk; this chunk's hasChildren
// flag has already flipped to true.
func (c *Chunk) Insert(tx, ty uint32, v voxel.Voxel) (Action, []voxel.Voxel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tube(tx, ty)
	res := t.Insert(v)
	if res.Placed {
		c.tubeSz++
		return Accepted, nil
	}

	c.overflow = append(c.overflow, res.Evicted)
	total := c.tubeSz + uint64(len(c.overflow))
	if uint64(len(c.overflow)) < c.cfg.MaxOverflow && total < c.cfg.MaxNodeSize {
		c.state = Overflowing
		return Accepted, nil
	}
	if uint64(len(c.overflow)) < c.cfg.MinNodeSize {
		// Not enough overflow yet to justify the thrash of spilling;
		// keep accepting into overflow even though we're "full".
		c.state = Overflowing
		return Accepted, nil
	}

	c.hasChildren = true
	c.state = Sealed
	spilled := c.overflow
	c.overflow = nil
	return SpillChildren, spilled
}

// Each iterates every resident point in the chunk (tubes, then overflow),
// in unspecified order.
func (c *Chunk) Each(fn func(voxel.Voxel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tubes {
		if t == nil {
			continue
		}
		t.Each(fn)
	}
	for _, v := range c.overflow {
		fn(v)
	}
}

// Rows returns every resident point's attribute record, in unspecified
// order. This is the "point buffer" handed to internal/codec for final
// on-disk encoding.
func (c *Chunk) Rows() [][]float64 {
	var out [][]float64
	c.Each(func(v voxel.Voxel) { out = append(out, v.Row) })
	return out
}

// Populate reinserts every row of pts into c, recomputing each point's
// fine-grained Key (and therefore its Tube placement) by descending from
// root toward the point's coordinates. This is how a chunk fault-loaded
// from the object store (internal/cache) rebuilds its Tube/overflow split,
// without needing any side-channel positional metadata on disk beyond the
// X/Y/Z columns already present in the schema. Two reloaded points can
// still collide on the same (tx, ty, tick) - Rows serializes both the
// tube winner and any overflow loser for a cell - so placement goes
// through Tube.Insert's collision resolution rather than Restore, and the
// loser of a collision is routed back into overflow instead of being
// dropped.
func (c *Chunk) Populate(root key.Key, maxTickDepth uint32, xIdx, yIdx, zIdx int, pts [][]float64) {
	for _, row := range pts {
		p := geo.Point{X: row[xIdx], Y: row[yIdx], Z: row[zIdx]}
		fine := root.StepTo(p, maxTickDepth)
		v := c.MakeVoxel(p, fine, row)
		tx, ty, _ := c.SpanCoords(fine)
		res := c.tube(tx, ty).Insert(v)
		if res.Placed {
			c.tubeSz++
		} else {
			c.overflow = append(c.overflow, res.Evicted)
		}
	}
}

// SetHasChildren is called by the cache after a fault-in load, once it has
// consulted the Hierarchy to determine whether this node's children were
// already materialized in a prior (or continued) build.
func (c *Chunk) SetHasChildren(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasChildren = v
}
