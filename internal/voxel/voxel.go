// Package voxel implements the fine-grained per-cell storage inside a
// Chunk. A Tube is the (x,y) column of a chunk's span grid; it maps a
// z-resolution "tick" to at most one occupant, resolving collisions by
// distance to the voxel's canonical center.
package voxel

import "github.com/entwine-project/entwine/internal/geo"

// Voxel is one candidate occupant of a Tube slot: the point's attribute
// record plus enough positional information to break collision ties.
type Voxel struct {
	// X, Y, Z are the point's fully-resolved fine-grid coordinates (at
	// maxTickDepth), used for the lexicographic tie-break.
	X, Y, Z uint32
	// Tick is the z-bucket within this Tube that the voxel maps to.
	Tick int64
	// Center is the canonical ideal center of the voxel cell the point
	// landed in, used to rank competing occupants of the same tick.
	Center geo.Point
	// Point is the point's own coordinates, used to compute distance to
	// Center.
	Point geo.Point
	// Row carries the point's full attribute record, in schema order,
	// opaque to this package. Scale/offset and on-disk encoding are
	// applied only at the codec boundary (internal/codec), not here.
	Row []float64
}

func (v Voxel) distSq() float64 {
	dx := v.Point.X - v.Center.X
	dy := v.Point.Y - v.Center.Y
	dz := v.Point.Z - v.Center.Z
	return dx*dx + dy*dy + dz*dz
}

// less reports whether a should win a collision against b: closer to its
// center first, then lexicographic (x,y,z), then "a is older" (newer
// loses ties that survive the first two rules).
func less(a, b Voxel, aSeq, bSeq uint64) bool {
	da, db := a.distSq(), b.distSq()
	if da != db {
		return da < db
	}
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	return aSeq < bSeq
}

// InsertResult reports the outcome of Tube.Insert.
type InsertResult struct {
	// Placed is true if v was stored without evicting anything.
	Placed bool
	// Evicted holds the voxel bumped out by a collision. It is the
	// loser of the collision comparison: either the new voxel v (if it
	// lost) or the previous occupant (if v won and replaced it).
	Evicted Voxel
}

type occupant struct {
	voxel Voxel
	seq   uint64
}

// Tube maps tick -> occupant for one (x,y) column of a chunk's span grid.
type Tube struct {
	cells map[int64]occupant
	seq   uint64
}

// NewTube returns an empty Tube.
func NewTube() *Tube {
	return &Tube{cells: make(map[int64]occupant)}
}

// Len returns the number of occupied ticks.
func (t *Tube) Len() int { return len(t.cells) }

// Insert places v at its tick, resolving any collision.
func (t *Tube) Insert(v Voxel) InsertResult {
	t.seq++
	cur, ok := t.cells[v.Tick]
	if !ok {
		t.cells[v.Tick] = occupant{voxel: v, seq: t.seq}
		return InsertResult{Placed: true}
	}
	if less(v, cur.voxel, t.seq, cur.seq) {
		t.cells[v.Tick] = occupant{voxel: v, seq: t.seq}
		return InsertResult{Evicted: cur.voxel}
	}
	return InsertResult{Evicted: v}
}

// Each calls fn for every occupied cell, in unspecified order.
func (t *Tube) Each(fn func(Voxel)) {
	for _, c := range t.cells {
		fn(c.voxel)
	}
}

// Restore forcibly places v at its tick without running collision logic,
// replacing any current occupant. Chunk reloads do not use it: they go
// through Insert (see chunk.Populate).
func (t *Tube) Restore(v Voxel) {
	t.seq++
	t.cells[v.Tick] = occupant{voxel: v, seq: t.seq}
}
