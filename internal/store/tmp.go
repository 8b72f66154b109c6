package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/entwine-project/entwine/internal/errs"
)

// DownloadToTmp fetches key from src into a uniquely named file under
// tmpDir, for readers (like pipeline.NDJSON) that only know how to open a
// local path. The filename is a random uuid so concurrent downloads of
// files that share a basename never collide. FreeBytes guards against
// spilling a large remote object onto a full local disk.
func DownloadToTmp(ctx context.Context, src Store, key, tmpDir string) (path string, cleanup func(), err error) {
	data, err := src.Get(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", nil, errs.Io("mkdir "+tmpDir, err)
	}
	if free, ferr := FreeBytes(tmpDir); ferr == nil && free < uint64(len(data))*2 {
		return "", nil, errs.Io("spill "+key, errors.New("insufficient space in "+tmpDir))
	}

	local := filepath.Join(tmpDir, uuid.NewString()+filepath.Ext(key))
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return "", nil, errs.Io("write "+local, err)
	}
	return local, func() { os.Remove(local) }, nil
}
