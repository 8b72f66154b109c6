package builder

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entwine-project/entwine/internal/cache"
	"github.com/entwine-project/entwine/internal/chunk"
	"github.com/entwine-project/entwine/internal/codec"
	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/geo"
	"github.com/entwine-project/entwine/internal/hierarchy"
	"github.com/entwine-project/entwine/internal/key"
	"github.com/entwine-project/entwine/internal/manifest"
	"github.com/entwine-project/entwine/internal/pipeline"
	"github.com/entwine-project/entwine/internal/store"
)

func cacheForMonitor(t *testing.T, s store.Store, hier *hierarchy.Hierarchy) *cache.Cache {
	t.Helper()
	bounds := geo.Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 128, Y: 128, Z: 128}}
	return cache.New(cache.Config{
		Store:       s,
		Codec:       codec.Dispatcher{},
		Hierarchy:   hier,
		ChunkCfg:    chunk.Config{Span: 2, MaxNodeSize: 100, MinNodeSize: 0, MaxOverflow: 100, MaxTickDepth: 4},
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

func testSchema() config.Schema {
	return config.Schema{
		{Name: "X", Type: "float", Size: 4},
		{Name: "Y", Type: "float", Size: 4},
		{Name: "Z", Type: "float", Size: 4},
	}
}

// fakeExecutor serves canned rows for a fixed set of paths and ignores
// every stage but StageRead.
type fakeExecutor struct {
	mu   sync.Mutex
	rows map[string][][]float64
	fail map[string]bool
}

func (f *fakeExecutor) Run(ctx context.Context, spec pipeline.Spec, sink func(pipeline.Point) error) (pipeline.StatsResult, error) {
	path := spec.Stages[0].Path
	if f.fail[path] {
		return pipeline.StatsResult{}, assert.AnError
	}
	for _, row := range f.rows[path] {
		cp := append([]float64(nil), row...)
		if err := sink(pipeline.Point{Row: cp}); err != nil {
			return pipeline.StatsResult{}, err
		}
	}
	return pipeline.StatsResult{Dimensions: []config.Dimension{
		{Name: "X", Type: "float", Size: 4},
		{Name: "Y", Type: "float", Size: 4},
		{Name: "Z", Type: "float", Size: 4},
	}}, nil
}

func testMetadata(bounds geo.Bounds) config.Metadata {
	b := config.FromGeo(bounds)
	return config.Metadata{
		Bounds:           b,
		BoundsConforming: b,
		DataType:         config.DataTypeBinary,
		Schema:           testSchema(),
		Span:             1,
	}
}

func newBuilder(t *testing.T, m *manifest.Manifest, md config.Metadata, exec pipeline.Executor, params config.BuildParams) (*Builder, *hierarchy.Hierarchy, store.Store) {
	t.Helper()
	s, err := store.NewLocal(t.TempDir(), 0)
	require.NoError(t, err)
	hier := hierarchy.New()
	b, err := New(Config{
		Manifest:   m,
		Metadata:   md,
		Params:     params,
		Store:      s,
		Executor:   exec,
		Codec:      codec.Dispatcher{},
		Log:        log.New(io.Discard, "", 0),
		NoOriginId: true,
	}, hier, 1)
	require.NoError(t, err)
	return b, hier, s
}

func TestBuilderRunInsertsAllPoints(t *testing.T) {
	ctx := context.Background()
	bounds := geo.Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 128, Y: 128, Z: 128}}
	m := manifest.New([]string{"a.ndjson", "b.ndjson"})
	exec := &fakeExecutor{rows: map[string][][]float64{
		"a.ndjson": {{1, 1, 1}, {2, 2, 2}},
		"b.ndjson": {{10, 10, 10}},
	}}
	b, hier, _ := newBuilder(t, m, testMetadata(bounds), exec, config.BuildParams{MaxNodeSize: 1000})

	inserted, err := b.Run(ctx, 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), inserted)
	assert.True(t, m.AllInserted())
	assert.Equal(t, int64(3), hier.Total())
}

func TestBuilderRunDropsPointsOutsideConformingBounds(t *testing.T) {
	ctx := context.Background()
	bounds := geo.Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 128, Y: 128, Z: 128}}
	m := manifest.New([]string{"a.ndjson"})
	exec := &fakeExecutor{rows: map[string][][]float64{
		"a.ndjson": {{1, 1, 1}, {200, 200, 200}},
	}}
	b, hier, _ := newBuilder(t, m, testMetadata(bounds), exec, config.BuildParams{MaxNodeSize: 1000})

	inserted, err := b.Run(ctx, 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), inserted)
	assert.Equal(t, int64(1), hier.Total())
}

func TestBuilderRunRecordsPerFileErrorsWithoutFailing(t *testing.T) {
	ctx := context.Background()
	bounds := geo.Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 128, Y: 128, Z: 128}}
	m := manifest.New([]string{"good.ndjson", "bad.ndjson"})
	exec := &fakeExecutor{
		rows: map[string][][]float64{"good.ndjson": {{1, 1, 1}}},
		fail: map[string]bool{"bad.ndjson": true},
	}
	b, _, _ := newBuilder(t, m, testMetadata(bounds), exec, config.BuildParams{MaxNodeSize: 1000})

	inserted, err := b.Run(ctx, 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), inserted)
	assert.True(t, m.AllInserted())

	var badItem *manifest.BuildItem
	for _, item := range m.Items {
		if item.Path == "bad.ndjson" {
			badItem = item
		}
	}
	require.NotNil(t, badItem)
	assert.NotEmpty(t, badItem.Source.Errors)
}

func TestBuilderRunHonorsLimit(t *testing.T) {
	ctx := context.Background()
	bounds := geo.Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 128, Y: 128, Z: 128}}
	m := manifest.New([]string{"a.ndjson", "b.ndjson", "c.ndjson"})
	exec := &fakeExecutor{rows: map[string][][]float64{
		"a.ndjson": {{1, 1, 1}},
		"b.ndjson": {{2, 2, 2}},
		"c.ndjson": {{3, 3, 3}},
	}}
	b, _, _ := newBuilder(t, m, testMetadata(bounds), exec, config.BuildParams{MaxNodeSize: 1000})

	_, err := b.Run(ctx, 2, 1, 0)
	require.NoError(t, err)

	insertedCount := 0
	for _, item := range m.Items {
		if item.Inserted {
			insertedCount++
		}
	}
	assert.Equal(t, 1, insertedCount)
}

func TestBuilderSaveWritesOutputs(t *testing.T) {
	ctx := context.Background()
	bounds := geo.Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 128, Y: 128, Z: 128}}
	m := manifest.New([]string{"a.ndjson"})
	exec := &fakeExecutor{rows: map[string][][]float64{"a.ndjson": {{1, 1, 1}, {2, 2, 2}}}}
	b, _, _ := newBuilder(t, m, testMetadata(bounds), exec, config.BuildParams{MaxNodeSize: 1000})

	_, err := b.Run(ctx, 2, 0, 0)
	require.NoError(t, err)

	written := map[string][]byte{}
	var mu sync.Mutex
	writeFile := func(path string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		written[path] = data
		return nil
	}
	require.NoError(t, b.Save(ctx, writeFile, 2))

	assert.Contains(t, written, "ept.json")
	assert.Contains(t, written, "ept-build.json")
	assert.Contains(t, written, "ept-sources/list.json")

	found := false
	for path := range written {
		if strings.HasPrefix(path, "ept-hierarchy/") {
			found = true
		}
	}
	assert.True(t, found, "expected a hierarchy shard to be written, got %v", keysOf(written))
}

func keysOf(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func TestSplitThreadsCapsWorkToInputCount(t *testing.T) {
	work, clip := splitThreads(8, 2)
	assert.Equal(t, 2, work)
	assert.Equal(t, 6, clip)
}

func TestSplitThreadsEnforcesMinimumOfTwoConfigured(t *testing.T) {
	work, clip := splitThreads(1, 10)
	assert.Equal(t, 1, work)
	assert.Equal(t, 1, clip)
}

func TestActiveBoundsQuartersOnTwoSubsets(t *testing.T) {
	full := geo.Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 100, Y: 100, Z: 100}}
	b := ActiveBounds(full, 1, 4)
	assert.Equal(t, 0.0, b.Min.X)
	assert.Equal(t, 50.0, b.Max.X)
	assert.Equal(t, 0.0, b.Min.Y)
	assert.Equal(t, 50.0, b.Max.Y)
}

func TestActiveBoundsWholeWhenNotSplit(t *testing.T) {
	full := geo.Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 100, Y: 100, Z: 100}}
	assert.Equal(t, full, ActiveBounds(full, 1, 1))
}

func TestOverlapsDetectsDisjointBounds(t *testing.T) {
	a := geo.Bounds{Min: geo.Point{X: 0, Y: 0, Z: 0}, Max: geo.Point{X: 10, Y: 10, Z: 10}}
	c := geo.Bounds{Min: geo.Point{X: 20, Y: 20, Z: 20}, Max: geo.Point{X: 30, Y: 30, Z: 30}}
	assert.False(t, Overlaps(a, c))

	b := geo.Bounds{Min: geo.Point{X: 5, Y: 5, Z: 5}, Max: geo.Point{X: 15, Y: 15, Z: 15}}
	assert.True(t, Overlaps(a, b))
}

func TestMonitorRunRespectsDoneChannel(t *testing.T) {
	s, err := store.NewLocal(t.TempDir(), 0)
	require.NoError(t, err)
	hier := hierarchy.New()
	c := cacheForMonitor(t, s, hier)
	m := newMonitor(log.New(io.Discard, "", 0), c, 10, time.Millisecond, func() uint64 { return 0 })

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		m.run(done)
		close(finished)
	}()
	close(done)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("monitor.run did not return after done was closed")
	}
}
