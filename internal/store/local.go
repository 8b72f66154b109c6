package store

import (
	"context"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/renameio"
	"golang.org/x/sys/unix"

	"github.com/entwine-project/entwine/internal/errs"
)

// Local is a filesystem-backed Store. Writes go through renameio so a PUT
// is atomic even if the process is interrupted mid-write, matching the
// "atomic whole-object PUT" contract every backend must honor.
type Local struct {
	Root string

	// fds caches recently-opened *os.File handles for Get, bounded so a
	// build with a huge chunk count doesn't exhaust file descriptors.
	fds *lru.Cache[string, *os.File]
}

// NewLocal returns a Local store rooted at dir, with an FD cache of the
// given size (0 disables caching).
func NewLocal(dir string, fdCacheSize int) (*Local, error) {
	l := &Local{Root: dir}
	if fdCacheSize > 0 {
		c, err := lru.NewWithEvict[string, *os.File](fdCacheSize, func(_ string, f *os.File) {
			f.Close()
		})
		if err != nil {
			return nil, err
		}
		l.fds = c
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Io("mkdir store root", err)
	}
	return l, nil
}

func (l *Local) path(key string) string { return filepath.Join(l.Root, key) }

// Get reads key's full contents.
func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if l.fds != nil {
		if f, ok := l.fds.Get(key); ok {
			if _, err := f.Seek(0, 0); err == nil {
				return readAll(f)
			}
		}
	}
	f, err := os.Open(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Io("get "+key, err)
		}
		return nil, errs.Io("open "+key, err)
	}
	if l.fds != nil {
		l.fds.Add(key, f)
		return readAllAt(f)
	}
	defer f.Close()
	return readAll(f)
}

func readAll(f *os.File) ([]byte, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, errs.Io("stat", err)
	}
	buf := make([]byte, fi.Size())
	if _, err := f.Read(buf); err != nil {
		return nil, errs.Io("read", err)
	}
	return buf, nil
}

func readAllAt(f *os.File) ([]byte, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, errs.Io("stat", err)
	}
	buf := make([]byte, fi.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, errs.Io("read", err)
	}
	return buf, nil
}

// Put atomically writes data to key via a temp file + rename
// (renameio.WriteFile), creating parent directories as needed.
func (l *Local) Put(ctx context.Context, key string, data []byte) error {
	full := l.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errs.Io("mkdir", err)
	}
	if err := renameio.WriteFile(full, data, 0o644); err != nil {
		return errs.Io("put "+key, err)
	}
	if l.fds != nil {
		// A cached handle still points at the replaced file; drop it.
		l.fds.Remove(key)
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errs.Io("stat "+key, err)
}

// FreeBytes reports the available space in the filesystem holding dir, used before
// spilling a remote download to --tmp.
func FreeBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, errs.Io("statfs "+dir, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
