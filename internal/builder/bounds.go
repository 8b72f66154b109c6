package builder

import "github.com/entwine-project/entwine/internal/geo"

// ActiveBounds computes the "active bounds" for a subset build: the intersection of full with the subset's slab, itself found
// by partitioning full along alternating axes x,y,z,x,... log2(of) times,
// with id-1's big-endian bits selecting which half at each step.
func ActiveBounds(full geo.Bounds, id, of int) geo.Bounds {
	if of <= 1 {
		return full
	}
	steps := 0
	for n := 1; n < of; n *= 4 {
		steps += 2
	}
	b := full
	sel := id - 1
	axis := 0
	axes := [3]byte{'x', 'y', 'z'}
	for i := steps - 1; i >= 0; i-- {
		bit := (sel >> i) & 1
		b = halve(b, axes[axis%3], bit)
		axis++
	}
	return b
}

func halve(b geo.Bounds, axis byte, upper int) geo.Bounds {
	switch axis {
	case 'x':
		mid := (b.Min.X + b.Max.X) / 2
		if upper == 1 {
			b.Min.X = mid
		} else {
			b.Max.X = mid
		}
	case 'y':
		mid := (b.Min.Y + b.Max.Y) / 2
		if upper == 1 {
			b.Min.Y = mid
		} else {
			b.Max.Y = mid
		}
	case 'z':
		mid := (b.Min.Z + b.Max.Z) / 2
		if upper == 1 {
			b.Min.Z = mid
		} else {
			b.Max.Z = mid
		}
	}
	return b
}

// Overlaps reports whether a and b intersect (touching boundaries count).
func Overlaps(a, b geo.Bounds) bool {
	return a.Min.X <= b.Max.X && a.Max.X >= b.Min.X &&
		a.Min.Y <= b.Max.Y && a.Max.Y >= b.Min.Y &&
		a.Min.Z <= b.Max.Z && a.Max.Z >= b.Min.Z
}
