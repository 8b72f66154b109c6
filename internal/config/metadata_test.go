package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entwine-project/entwine/internal/geo"
)

func TestUnionWidensTypeAndSize(t *testing.T) {
	a := Schema{{Name: "X", Type: "signed", Size: 2}}
	b := Schema{{Name: "X", Type: "float", Size: 4}, {Name: "Intensity", Type: "unsigned", Size: 2}}

	out := Union(a, b)
	require.Len(t, out, 2)
	x, ok := out.Find("X")
	require.True(t, ok)
	assert.Equal(t, "float", x.Type)
	assert.Equal(t, 4, x.Size)

	_, ok = out.Find("Intensity")
	assert.True(t, ok)
}

func TestUnionFoldsStats(t *testing.T) {
	a := Schema{{Name: "Z", Type: "float", Size: 8, Count: 2, Mean: 10, Variance: 2, Minimum: 8, Maximum: 12}}
	b := Schema{{Name: "Z", Type: "float", Size: 8, Count: 2, Mean: 20, Variance: 2, Minimum: 18, Maximum: 22}}

	out := Union(a, b)
	z, ok := out.Find("Z")
	require.True(t, ok)
	assert.Equal(t, uint64(4), z.Count)
	assert.InDelta(t, 15, z.Mean, 1e-9)
	assert.InDelta(t, 8, z.Minimum, 1e-9)
	assert.InDelta(t, 22, z.Maximum, 1e-9)
	// Combined variance must exceed either input's own variance, since the
	// two groups' means are far apart (between-group spread dominates).
	assert.Greater(t, z.Variance, 2.0)
}

func TestUnionFoldsCounts(t *testing.T) {
	a := Schema{{Name: "Classification", Counts: Counts{"2": 5}, Count: 5}}
	b := Schema{{Name: "Classification", Counts: Counts{"2": 3, "7": 1}, Count: 4}}

	out := Union(a, b)
	c, ok := out.Find("Classification")
	require.True(t, ok)
	assert.Equal(t, uint64(8), c.Counts["2"])
	assert.Equal(t, uint64(1), c.Counts["7"])
}

func TestUnionIgnoresZeroCountSide(t *testing.T) {
	a := Schema{{Name: "X", Count: 0}}
	b := Schema{{Name: "X", Count: 5, Mean: 3, Variance: 1}}

	out := Union(a, b)
	x, ok := out.Find("X")
	require.True(t, ok)
	assert.Equal(t, uint64(5), x.Count)
	assert.Equal(t, 3.0, x.Mean)
}

func TestBoundsJSONRoundTrip(t *testing.T) {
	b := Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 1, Y: 2, Z: 3}}
	data, err := b.MarshalJSON()
	require.NoError(t, err)

	var back Bounds
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, b, back)
}
