package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entwine-project/entwine/internal/geo"
)

func cube() geo.Bounds {
	return geo.Bounds{Min: geo.Point{0, 0, 0}, Max: geo.Point{128, 128, 128}}
}

func TestDxyzRoundTrip(t *testing.T) {
	k := Root(cube()).Step(geo.Point{1, 1, 1})
	d, x, y, z, err := ParseDxyz(k.Dxyz())
	require.NoError(t, err)
	assert.Equal(t, k.Depth, d)
	assert.Equal(t, k.X, x)
	assert.Equal(t, k.Y, y)
	assert.Equal(t, k.Z, z)
}

func TestParseDxyzMalformed(t *testing.T) {
	_, _, _, _, err := ParseDxyz("not-a-key")
	assert.Error(t, err)
	_, _, _, _, err = ParseDxyz("1-2-3")
	assert.Error(t, err)
}

func TestStepToIsPathIndependent(t *testing.T) {
	b := cube()
	p := geo.Point{10, 100, 64}
	direct := Root(b).StepTo(p, 5)

	cur := Root(b)
	for cur.Depth < 5 {
		cur = cur.Step(p)
	}
	assert.Equal(t, direct.Dxyz(), cur.Dxyz())
}

func TestChunkKeyChildrenCoverAllDirections(t *testing.T) {
	root := RootChunkKey(cube(), 0)
	children := root.Children()
	seen := map[string]bool{}
	for dir, c := range children {
		require.Equal(t, uint32(1), c.Depth)
		seen[c.Dxyz()] = true
		assert.True(t, c.Bounds().IsCube(), "dir %d", dir)
	}
	assert.Len(t, seen, 8)
}

func TestChunkKeyStepToward(t *testing.T) {
	root := RootChunkKey(cube(), 0)
	p := geo.Point{127, 0, 0}
	fine := Root(cube()).StepTo(p, 3)
	next := root.StepToward(fine)
	assert.Equal(t, uint32(1), next.Depth)
	assert.True(t, next.Bounds().Contains(p))
}

func TestChunkKeyEqual(t *testing.T) {
	a := RootChunkKey(cube(), 2)
	b := a.GetStep(3)
	c := a.GetStep(3)
	assert.True(t, b.Equal(c))
	assert.False(t, a.Equal(b))
}
