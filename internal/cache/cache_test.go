package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entwine-project/entwine/internal/chunk"
	"github.com/entwine-project/entwine/internal/codec"
	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/geo"
	"github.com/entwine-project/entwine/internal/hierarchy"
	"github.com/entwine-project/entwine/internal/key"
	"github.com/entwine-project/entwine/internal/store"
)

func testSchema() config.Schema {
	return config.Schema{
		{Name: "X", Type: "float", Size: 4},
		{Name: "Y", Type: "float", Size: 4},
		{Name: "Z", Type: "float", Size: 4},
	}
}

func testChunkConfig() chunk.Config {
	return chunk.Config{Span: 2, MaxNodeSize: 100, MinNodeSize: 0, MaxOverflow: 100, MaxTickDepth: 4}
}

func newTestCache(t *testing.T, s store.Store, hier *hierarchy.Hierarchy, bounds geo.Bounds) *Cache {
	t.Helper()
	return New(Config{
		Store:       s,
		Codec:       codec.Dispatcher{},
		Hierarchy:   hier,
		ChunkCfg:    testChunkConfig(),
		StartDepth:  0,
		DataType:    config.DataTypeBinary,
		Schema:      testSchema(),
		ClipThreads: 1,
		RootKey:     key.Root(bounds),
		XIndex:      0,
		YIndex:      1,
		ZIndex:      2,
	})
}

func TestCacheInsertAndJoinWritesChunk(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewLocal(t.TempDir(), 0)
	require.NoError(t, err)
	bounds := geo.Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 128, Y: 128, Z: 128}}
	hier := hierarchy.New()

	c := newTestCache(t, s, hier, bounds)
	root := key.Root(bounds)
	ck := key.RootChunkKey(bounds, 0)
	clipper := c.NewClipper()

	p := geo.Point{X: 10, Y: 10, Z: 10}
	fine := root.StepTo(p, 5)
	require.NoError(t, c.Insert(ck, fine, p, []float64{10, 10, 10}, clipper))

	info := c.LatchInfo()
	assert.Equal(t, int64(1), info.ChunksAlive)

	clipper.Clip()
	require.NoError(t, c.Join())

	assert.Equal(t, int64(1), hier.Get("0-0-0-0"))
	ok, err := s.Exists(ctx, "ept-data/0-0-0-0.bin")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheFaultInMergesWithResidentChunk(t *testing.T) {
	s, err := store.NewLocal(t.TempDir(), 0)
	require.NoError(t, err)
	bounds := geo.Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 128, Y: 128, Z: 128}}
	hier := hierarchy.New()
	root := key.Root(bounds)
	ck := key.RootChunkKey(bounds, 0)

	c1 := newTestCache(t, s, hier, bounds)
	clipper1 := c1.NewClipper()
	p1 := geo.Point{X: 10, Y: 10, Z: 10}
	fine1 := root.StepTo(p1, 5)
	require.NoError(t, c1.Insert(ck, fine1, p1, []float64{10, 10, 10}, clipper1))
	clipper1.Clip()
	require.NoError(t, c1.Join())
	require.Equal(t, int64(1), hier.Get("0-0-0-0"))

	c2 := newTestCache(t, s, hier, bounds)
	clipper2 := c2.NewClipper()
	p2 := geo.Point{X: 100, Y: 100, Z: 100}
	fine2 := root.StepTo(p2, 5)
	require.NoError(t, c2.Insert(ck, fine2, p2, []float64{100, 100, 100}, clipper2))
	clipper2.Clip()
	require.NoError(t, c2.Join())

	assert.Equal(t, int64(2), hier.Get("0-0-0-0"))
}
