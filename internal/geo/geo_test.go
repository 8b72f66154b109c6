package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundsSliceDirectionRoundTrip(t *testing.T) {
	b := Bounds{Min: Point{0, 0, 0}, Max: Point{8, 8, 8}}
	for dir := 0; dir < 8; dir++ {
		child := b.Slice(dir)
		mid := child.Mid()
		require.Equal(t, dir, b.Direction(mid))
	}
}

func TestBoundsContains(t *testing.T) {
	b := Bounds{Min: Point{0, 0, 0}, Max: Point{10, 10, 10}}
	assert.True(t, b.Contains(Point{0, 0, 0}))
	assert.True(t, b.Contains(Point{10, 10, 10}))
	assert.False(t, b.Contains(Point{10.1, 0, 0}))
}

func TestCubify(t *testing.T) {
	b := Bounds{Min: Point{0, 0, 0}, Max: Point{4, 2, 1}}
	assert.True(t, b.Cubify().IsCube())
}

func TestGrow(t *testing.T) {
	a := Bounds{Min: Point{0, 0, 0}, Max: Point{1, 1, 1}}
	b := Bounds{Min: Point{-1, -1, -1}, Max: Point{2, 2, 2}}
	got := a.Grow(b)
	assert.Equal(t, b, got)
}
