package scanner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/geo"
	"github.com/entwine-project/entwine/internal/pipeline"
)

type fakePreviewer struct {
	previews map[string]pipeline.Preview
	fail     map[string]bool
}

func (f *fakePreviewer) Preview(ctx context.Context, path string, reproj *pipeline.Reprojection) (pipeline.Preview, error) {
	if f.fail[path] {
		return pipeline.Preview{}, assert.AnError
	}
	return f.previews[path], nil
}

func bounds(minX, minY, minZ, maxX, maxY, maxZ float64) config.Bounds {
	return config.FromGeo(geo.Bounds{Min: geo.Point{X: minX, Y: minY, Z: minZ}, Max: geo.Point{X: maxX, Y: maxY, Z: maxZ}})
}

func TestScanAggregatesBoundsAndPoints(t *testing.T) {
	p := &fakePreviewer{previews: map[string]pipeline.Preview{
		"a.laz": {Bounds: bounds(0, 0, 0, 10, 10, 10), Points: 5, Schema: config.Schema{{Name: "X"}, {Name: "Y"}, {Name: "Z"}}},
		"b.laz": {Bounds: bounds(5, 5, 5, 20, 20, 20), Points: 7, Schema: config.Schema{{Name: "X"}, {Name: "Y"}, {Name: "Z"}, {Name: "Intensity"}}},
	}}
	result, err := Scan(context.Background(), []string{"a.laz", "b.laz"}, Options{Previewer: p, Threads: 2})
	require.NoError(t, err)

	assert.Equal(t, uint64(12), result.Metadata.Points)
	assert.Len(t, result.Metadata.Schema, 4)
	assert.Equal(t, 0.0, result.Metadata.BoundsConforming.Geo().Min.X)
	assert.Equal(t, 20.0, result.Metadata.BoundsConforming.Geo().Max.X)
	assert.True(t, result.Metadata.Bounds.Geo().IsCube())
}

func TestScanDropsFailedPreviewsWithWarning(t *testing.T) {
	p := &fakePreviewer{
		previews: map[string]pipeline.Preview{
			"good.laz": {Bounds: bounds(0, 0, 0, 1, 1, 1), Points: 1, Schema: config.Schema{{Name: "X"}, {Name: "Y"}, {Name: "Z"}}},
		},
		fail: map[string]bool{"bad.laz": true},
	}
	result, err := Scan(context.Background(), []string{"good.laz", "bad.laz"}, Options{Previewer: p})
	require.NoError(t, err)
	assert.Len(t, result.Manifest.Items, 1)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "bad.laz")
}

func TestScanFailsWhenAllPreviewsDrop(t *testing.T) {
	p := &fakePreviewer{fail: map[string]bool{"bad.laz": true}}
	_, err := Scan(context.Background(), []string{"bad.laz"}, Options{Previewer: p})
	assert.Error(t, err)
}

func TestScanHonorsExplicitOverrides(t *testing.T) {
	p := &fakePreviewer{previews: map[string]pipeline.Preview{
		"a.laz": {Bounds: bounds(0, 0, 0, 10, 10, 10), Points: 5, Schema: config.Schema{{Name: "X"}, {Name: "Y"}, {Name: "Z"}}},
	}}
	explicitBounds := bounds(-100, -100, -100, 100, 100, 100)
	explicitSrs := &config.Srs{Authority: "EPSG:4978"}
	result, err := Scan(context.Background(), []string{"a.laz"}, Options{
		Previewer:      p,
		ExplicitBounds: &explicitBounds,
		ExplicitSrs:    explicitSrs,
	})
	require.NoError(t, err)
	assert.Equal(t, explicitBounds, result.Metadata.Bounds)
	assert.Equal(t, *explicitSrs, result.Metadata.Srs)
}

func TestScanRejectsEmptyInputs(t *testing.T) {
	_, err := Scan(context.Background(), nil, Options{})
	assert.Error(t, err)
}
