// Package store implements the object-store abstraction treated as an
// external collaborator: a byte-level key/value blob store with atomic
// whole-object PUT/GET. This package provides concrete backends (local
// filesystem, S3, GCS, HTTP) behind one interface, plus a bounded-retry
// wrapper.
package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/entwine-project/entwine/internal/errs"
)

// Store is a byte-level key/value blob store with atomic whole-object
// PUT/GET. Keys are store-relative paths, e.g. "ept-data/0-0-0-0.laz".
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// Exists reports whether key is present, without fetching its body.
	Exists(ctx context.Context, key string) (bool, error)
}

// DefaultMaxRetries is the default bounded retry attempt count.
const DefaultMaxRetries = 8

// WithRetry wraps s so that Get/Put/Exists retry any error up to
// maxRetries times with a linear back-off (200ms, 400ms, 600ms, ...).
func WithRetry(s Store, maxRetries uint64) Store {
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	return &retrying{inner: s, maxRetries: maxRetries}
}

type retrying struct {
	inner      Store
	maxRetries uint64
}

func (r *retrying) backoffFor(ctx context.Context) backoff.BackOff {
	b := backoff.WithMaxRetries(&linearBackOff{step: 200 * time.Millisecond}, r.maxRetries)
	return backoff.WithContext(b, ctx)
}

// linearBackOff waits step, 2*step, 3*step, ... before successive retries.
type linearBackOff struct {
	step time.Duration
	n    int64
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.step
}

func (l *linearBackOff) Reset() { l.n = 0 }

func (r *retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	op := func() error {
		b, err := r.inner.Get(ctx, key)
		if err != nil {
			return err
		}
		out = b
		return nil
	}
	if err := backoff.Retry(op, r.backoffFor(ctx)); err != nil {
		return nil, errs.Io("get "+key, err)
	}
	return out, nil
}

func (r *retrying) Put(ctx context.Context, key string, data []byte) error {
	op := func() error { return r.inner.Put(ctx, key, data) }
	if err := backoff.Retry(op, r.backoffFor(ctx)); err != nil {
		return errs.Io("put "+key, err)
	}
	return nil
}

func (r *retrying) Exists(ctx context.Context, key string) (bool, error) {
	var out bool
	op := func() error {
		b, err := r.inner.Exists(ctx, key)
		if err != nil {
			return err
		}
		out = b
		return nil
	}
	if err := backoff.Retry(op, r.backoffFor(ctx)); err != nil {
		return false, errs.Io("exists "+key, err)
	}
	return out, nil
}
