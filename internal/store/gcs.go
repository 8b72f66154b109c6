package store

import (
	"context"
	"io"

	"cloud.google.com/go/storage"

	"github.com/entwine-project/entwine/internal/errs"
)

// GCS is a Google Cloud Storage-backed Store.
type GCS struct {
	Bucket *storage.BucketHandle
	Prefix string
}

// NewGCS builds a GCS store for bucketName, using application-default
// credentials.
func NewGCS(ctx context.Context, bucketName, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errs.Io("new gcs client", err)
	}
	return &GCS{Bucket: client.Bucket(bucketName), Prefix: prefix}, nil
}

func (g *GCS) fullKey(key string) string {
	if g.Prefix == "" {
		return key
	}
	return g.Prefix + "/" + key
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.Bucket.Object(g.fullKey(key)).NewReader(ctx)
	if err != nil {
		return nil, errs.Io("gcs get "+key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	w := g.Bucket.Object(g.fullKey(key)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return errs.Io("gcs put "+key, err)
	}
	if err := w.Close(); err != nil {
		return errs.Io("gcs put close "+key, err)
	}
	return nil
}

func (g *GCS) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.Bucket.Object(g.fullKey(key)).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, errs.Io("gcs attrs "+key, err)
	}
	return true, nil
}
