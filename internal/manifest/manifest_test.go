package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entwine-project/entwine/internal/config"
)

func memFiles() (map[string][]byte, func(string) ([]byte, error), func(string, []byte) error) {
	files := map[string][]byte{}
	read := func(path string) ([]byte, error) {
		b, ok := files[path]
		if !ok {
			return nil, notFoundErr(path)
		}
		return b, nil
	}
	write := func(path string, data []byte) error {
		files[path] = data
		return nil
	}
	return files, read, write
}

type notFoundErr string

func (e notFoundErr) Error() string { return "not found: " + string(e) }

func TestSaveThenLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := New([]string{"a.laz", "b.laz"})
	m.Items[0].Inserted = true
	m.Items[0].Source.PointsInserted = 10
	m.Items[0].Source.Schema = config.Schema{{Name: "X", Type: "signed", Size: 4}}

	_, read, write := memFiles()
	require.NoError(t, Save(ctx, m, write, 2, false, ""))

	loaded, err := Load(ctx, read, 2, "")
	require.NoError(t, err)
	require.Len(t, loaded.Items, 2)
	assert.True(t, loaded.Items[0].Inserted)
	assert.Equal(t, uint64(10), loaded.Items[0].Source.PointsInserted)
	assert.False(t, loaded.Items[1].Inserted)
}

func TestSaveWithPostfixIsolatesOverview(t *testing.T) {
	ctx := context.Background()
	m := New([]string{"a.laz"})
	files, read, write := memFiles()
	require.NoError(t, Save(ctx, m, write, 1, false, "-3"))

	_, ok := files["ept-sources/list-3.json"]
	assert.True(t, ok)
	_, ok = files["ept-sources/list.json"]
	assert.False(t, ok)

	loaded, err := Load(ctx, read, 1, "-3")
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 1)
}

func TestMergePrefersInsertedSide(t *testing.T) {
	a := New([]string{"x.laz"})
	b := New([]string{"x.laz"})
	b.Items[0].Inserted = true
	b.Items[0].Source.PointsInserted = 7

	merged, err := Merge(a, b)
	require.NoError(t, err)
	assert.True(t, merged.Items[0].Inserted)
	assert.Equal(t, uint64(7), merged.Items[0].Source.PointsInserted)
}

func TestMergeCombinesBothInserted(t *testing.T) {
	a := New([]string{"x.laz"})
	a.Items[0].Inserted = true
	a.Items[0].Source.PointsInserted = 3
	b := New([]string{"x.laz"})
	b.Items[0].Inserted = true
	b.Items[0].Source.PointsInserted = 4

	merged, err := Merge(a, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), merged.Items[0].Source.PointsInserted)
}

func TestMergeLengthMismatch(t *testing.T) {
	a := New([]string{"x.laz"})
	b := New([]string{"x.laz", "y.laz"})
	_, err := Merge(a, b)
	assert.Error(t, err)
}

func TestReduceAggregatesPoints(t *testing.T) {
	m := New([]string{"x.laz", "y.laz"})
	m.Items[0].Source.Points = 5
	m.Items[1].Source.Points = 9
	out := Reduce(m.Items)
	assert.Equal(t, uint64(14), out.Points)
}

func TestAllInserted(t *testing.T) {
	m := New([]string{"x.laz", "y.laz"})
	assert.False(t, m.AllInserted())
	m.Items[0].Inserted = true
	m.Items[1].Inserted = true
	assert.True(t, m.AllInserted())
}
