// Package key implements the integer coordinates that locate a voxel
// (Key) or an octree node that owns a chunk file (ChunkKey).
package key

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/entwine-project/entwine/internal/errs"
	"github.com/entwine-project/entwine/internal/geo"
)

// Key is a tuple (depth, x, y, z) locating a node of the implicit octree.
// At depth d each axis is divided into 2^d equal slabs. Key is advanced one
// depth at a time: Init resets to the root, Step descends into one of the
// eight children determined by comparing a point against the current
// node's midpoint.
type Key struct {
	Depth      uint32
	X, Y, Z    uint32
	bounds     geo.Bounds
	haveBounds bool
}

// Root returns the Key for the root node (depth 0) of the given cubic
// bounds.
func Root(bounds geo.Bounds) Key {
	return Key{bounds: bounds, haveBounds: true}
}

// Bounds returns the spatial bounds this Key currently covers.
func (k Key) Bounds() geo.Bounds { return k.bounds }

// Step descends into the child octant containing p, advancing the depth by
// one. The direction is derived purely from (p, current midpoint), so the
// resulting path is identical regardless of how the walk got here.
func (k Key) Step(p geo.Point) Key {
	dir := k.bounds.Direction(p)
	next := k
	next.Depth = k.Depth + 1
	next.X = 2*k.X + uint32(dir&1)
	next.Y = 2*k.Y + uint32((dir>>1)&1)
	next.Z = 2*k.Z + uint32((dir>>2)&1)
	next.bounds = k.bounds.Slice(dir)
	return next
}

// StepTo descends repeatedly until reaching depth, returning the Key for
// the node containing p at that depth.
func (k Key) StepTo(p geo.Point, depth uint32) Key {
	cur := k
	for cur.Depth < depth {
		cur = cur.Step(p)
	}
	return cur
}

// Dxyz is the canonical "d-x-y-z" serialization of a key.
func Dxyz(depth, x, y, z uint32) string {
	return fmt.Sprintf("%d-%d-%d-%d", depth, x, y, z)
}

// Dxyz returns the canonical "d-x-y-z" serialization of k.
func (k Key) Dxyz() string { return Dxyz(k.Depth, k.X, k.Y, k.Z) }

// ParseDxyz parses a "d-x-y-z" string back into its four components.
func ParseDxyz(s string) (depth, x, y, z uint32, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return 0, 0, 0, 0, errs.Decode("malformed dxyz key "+strconv.Quote(s), nil)
	}
	vals := make([]uint64, 4)
	for i, p := range parts {
		v, perr := strconv.ParseUint(p, 10, 32)
		if perr != nil {
			return 0, 0, 0, 0, errs.Decode("malformed dxyz key "+strconv.Quote(s), perr)
		}
		vals[i] = v
	}
	return uint32(vals[0]), uint32(vals[1]), uint32(vals[2]), uint32(vals[3]), nil
}

// ChunkKey identifies an octree node that owns its own Chunk file. The
// first startDepth levels are collapsed into a single "base" chunk; depths
// below startDepth each get their own ChunkKey.
type ChunkKey struct {
	Depth      uint32
	X, Y, Z    uint32
	StartDepth uint32
	bounds     geo.Bounds
}

// RootChunkKey returns the base ChunkKey (depth startDepth) covering the
// whole of bounds.
func RootChunkKey(bounds geo.Bounds, startDepth uint32) ChunkKey {
	return ChunkKey{Depth: startDepth, StartDepth: startDepth, bounds: bounds}
}

func (ck ChunkKey) Bounds() geo.Bounds { return ck.bounds }

// Dxyz is the canonical "d-x-y-z" serialization of ck.
func (ck ChunkKey) Dxyz() string { return Dxyz(ck.Depth, ck.X, ck.Y, ck.Z) }

// GetStep returns the child ChunkKey in direction dir (0..7).
func (ck ChunkKey) GetStep(dir int) ChunkKey {
	return ChunkKey{
		Depth:      ck.Depth + 1,
		X:          2*ck.X + uint32(dir&1),
		Y:          2*ck.Y + uint32((dir>>1)&1),
		Z:          2*ck.Z + uint32((dir>>2)&1),
		StartDepth: ck.StartDepth,
		bounds:     ck.bounds.Slice(dir),
	}
}

// Children returns all eight child ChunkKeys in direction order 0..7.
func (ck ChunkKey) Children() [8]ChunkKey {
	var out [8]ChunkKey
	for dir := 0; dir < 8; dir++ {
		out[dir] = ck.GetStep(dir)
	}
	return out
}

// StepToward advances ck by one level toward the chunk that contains fine,
// a fully-resolved Key at some depth >= ck.Depth. It is used by the cache
// to magnify a ChunkKey one level at a time while descending toward a
// point's terminal chunk.
func (ck ChunkKey) StepToward(fine Key) ChunkKey {
	depth := ck.Depth
	shift := fine.Depth - depth - 1
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
	return ck.GetStep(dir)
}

// Equal reports whether ck and o name the same node.
func (ck ChunkKey) Equal(o ChunkKey) bool {
	return ck.Depth == o.Depth && ck.X == o.X && ck.Y == o.Y && ck.Z == o.Z
}
