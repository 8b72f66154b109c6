package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPutGetExists(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir(), 4)
	require.NoError(t, err)

	ok, err := l.Exists(ctx, "ept.json")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Put(ctx, "ept.json", []byte(`{"a":1}`)))

	ok, err = l.Exists(ctx, "ept.json")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := l.Get(ctx, "ept.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestLocalGetMissingIsError(t *testing.T) {
	l, err := NewLocal(t.TempDir(), 0)
	require.NoError(t, err)
	_, err = l.Get(context.Background(), "missing.json")
	assert.Error(t, err)
}

func TestLocalPutCreatesNestedDirs(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, l.Put(ctx, "ept-data/0-0-0-0.laz", []byte("payload")))
	got, err := l.Get(ctx, "ept-data/0-0-0-0.laz")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestDownloadToTmp(t *testing.T) {
	ctx := context.Background()
	src, err := NewLocal(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, src.Put(ctx, "in.ndjson", []byte(`{"X":1}`)))

	tmpDir := t.TempDir()
	local, cleanup, err := DownloadToTmp(ctx, src, "in.ndjson", tmpDir)
	require.NoError(t, err)
	assert.FileExists(t, local)

	cleanup()
	assert.NoFileExists(t, local)
}
