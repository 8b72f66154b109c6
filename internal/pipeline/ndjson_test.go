package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/geo"
)

func writeNDJSON(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.ndjson")
	var data string
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func schema3() config.Schema {
	return config.Schema{{Name: "X"}, {Name: "Y"}, {Name: "Z"}, {Name: "Classification"}}
}

func TestNDJSONPreview(t *testing.T) {
	path := writeNDJSON(t, "[0,0,0,2]", "[10,10,10,2]", "[5,5,5,7]")
	n := NDJSON{Schema: schema3()}

	prev, err := n.Preview(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), prev.Points)
	assert.Equal(t, 0.0, prev.Bounds.Geo().Min.X)
	assert.Equal(t, 10.0, prev.Bounds.Geo().Max.X)
}

func TestNDJSONPreviewMissingXYZ(t *testing.T) {
	path := writeNDJSON(t, "[1,2]")
	n := NDJSON{Schema: config.Schema{{Name: "A"}, {Name: "B"}}}
	_, err := n.Preview(context.Background(), path, nil)
	assert.Error(t, err)
}

func TestNDJSONRunStreamsPoints(t *testing.T) {
	path := writeNDJSON(t, "[0,0,0,2]", "[10,10,10,2]")
	n := NDJSON{Schema: schema3()}
	spec := Spec{Stages: []Stage{{Kind: StageRead, Path: path}}}

	var count int
	_, err := n.Run(context.Background(), spec, func(p Point) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNDJSONRunComputesStats(t *testing.T) {
	path := writeNDJSON(t, "[0,0,0,2]", "[10,0,0,2]", "[5,0,0,7]")
	n := NDJSON{Schema: schema3()}
	spec := Spec{Stages: []Stage{
		{Kind: StageRead, Path: path},
		{Kind: StageStats},
	}}

	stats, err := n.Run(context.Background(), spec, func(Point) error { return nil })
	require.NoError(t, err)
	require.Len(t, stats.Dimensions, 4)
	x := stats.Dimensions[0]
	assert.Equal(t, uint64(3), x.Count)
	assert.InDelta(t, 5, x.Mean, 1e-9)
	assert.Equal(t, 0.0, x.Minimum)
	assert.Equal(t, 10.0, x.Maximum)

	class := stats.Dimensions[3]
	assert.Equal(t, uint64(2), class.Counts["2"])
	assert.Equal(t, uint64(1), class.Counts["7"])
}

func TestNDJSONRunRespectsStatsClipBounds(t *testing.T) {
	path := writeNDJSON(t, "[0,0,0,2]", "[100,0,0,2]")
	n := NDJSON{Schema: schema3()}
	clipGeo := geo.Bounds{Min: geo.Point{X: -1, Y: -1, Z: -1}, Max: geo.Point{X: 1, Y: 1, Z: 1}}
	spec := Spec{Stages: []Stage{
		{Kind: StageRead, Path: path},
		{Kind: StageStats, ClipBounds: &clipGeo},
	}}

	stats, err := n.Run(context.Background(), spec, func(Point) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Dimensions[0].Count)
}
