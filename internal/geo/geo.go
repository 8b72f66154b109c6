// Package geo implements the small amount of 3D geometry the octree
// builder needs: points and axis-aligned cubic bounds.
package geo

import "math"

// Point is a point in 3D space. Builder-side, coordinates are already
// scaled/offset into the storage domain the schema calls for; the octree
// math below operates purely on doubles.
type Point struct {
	X, Y, Z float64
}

// Bounds is an axis-aligned box, inclusive of Min and Max.
type Bounds struct {
	Min, Max Point
}

// Mid returns the midpoint of b.
func (b Bounds) Mid() Point {
	return Point{
		X: (b.Min.X + b.Max.X) / 2,
		Y: (b.Min.Y + b.Max.Y) / 2,
		Z: (b.Min.Z + b.Max.Z) / 2,
	}
}

// Contains reports whether p lies within b, inclusive of the boundary.
func (b Bounds) Contains(p Point) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Grow returns the smallest bounds containing both b and o.
func (b Bounds) Grow(o Bounds) Bounds {
	return Bounds{
		Min: Point{math.Min(b.Min.X, o.Min.X), math.Min(b.Min.Y, o.Min.Y), math.Min(b.Min.Z, o.Min.Z)},
		Max: Point{math.Max(b.Max.X, o.Max.X), math.Max(b.Max.Y, o.Max.Y), math.Max(b.Max.Z, o.Max.Z)},
	}
}

// GrowPoint returns the smallest bounds containing both b and p.
func (b Bounds) GrowPoint(p Point) Bounds {
	return Bounds{
		Min: Point{math.Min(b.Min.X, p.X), math.Min(b.Min.Y, p.Y), math.Min(b.Min.Z, p.Z)},
		Max: Point{math.Max(b.Max.X, p.X), math.Max(b.Max.Y, p.Y), math.Max(b.Max.Z, p.Z)},
	}
}

// Cubify expands the two smaller axes of b, centered on the original
// centroid, so that b becomes a cube. This is run once after scanning to
// produce the root bounds.
func (b Bounds) Cubify() Bounds {
	mid := b.Mid()
	dx := b.Max.X - b.Min.X
	dy := b.Max.Y - b.Min.Y
	dz := b.Max.Z - b.Min.Z
	side := math.Max(dx, math.Max(dy, dz))
	half := side / 2
	return Bounds{
		Min: Point{mid.X - half, mid.Y - half, mid.Z - half},
		Max: Point{mid.X + half, mid.Y + half, mid.Z + half},
	}
}

// IsCube reports whether the three axes have (nearly) equal extent.
func (b Bounds) IsCube() bool {
	const eps = 1e-9
	dx := b.Max.X - b.Min.X
	dy := b.Max.Y - b.Min.Y
	dz := b.Max.Z - b.Min.Z
	return math.Abs(dx-dy) < eps*math.Max(1, dx) && math.Abs(dy-dz) < eps*math.Max(1, dy)
}

// Slice returns the child bounds in direction dir (0..7), splitting every
// axis at the midpoint. Bit 0 of dir selects the X half, bit 1 the Y half,
// bit 2 the Z half (lower bit = lower half).
func (b Bounds) Slice(dir int) Bounds {
	mid := b.Mid()
	out := b
	if dir&1 != 0 {
		out.Min.X = mid.X
	} else {
		out.Max.X = mid.X
	}
	if dir&2 != 0 {
		out.Min.Y = mid.Y
	} else {
		out.Max.Y = mid.Y
	}
	if dir&4 != 0 {
		out.Min.Z = mid.Z
	} else {
		out.Max.Z = mid.Z
	}
	return out
}

// Direction computes which of the 8 child octants p falls into relative to
// b's midpoint: a coordinate exactly equal to the midpoint goes to the
// upper half.
func (b Bounds) Direction(p Point) int {
	mid := b.Mid()
	dir := 0
	if p.X >= mid.X {
		dir |= 1
	}
	if p.Y >= mid.Y {
		dir |= 2
	}
	if p.Z >= mid.Z {
		dir |= 4
	}
	return dir
}
