package store

import (
	"bytes"
	"context"
	"errors"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/entwine-project/entwine/internal/errs"
)

// S3 is an S3-backed Store. Credentials come from the standard AWS
// env/profile chain: no entwine-specific credential handling exists.
type S3 struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// NewS3 builds an S3 store for bucket, loading credentials via the
// default AWS config chain.
func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errs.Io("load aws config", err)
	}
	return &S3{Client: s3.NewFromConfig(cfg), Bucket: bucket, Prefix: prefix}, nil
}

func (s *S3) fullKey(key string) string {
	if s.Prefix == "" {
		return key
	}
	return s.Prefix + "/" + key
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.Bucket,
		Key:    awsString(s.fullKey(key)),
	})
	if err != nil {
		return nil, errs.Io("s3 get "+key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.Bucket,
		Key:    awsString(s.fullKey(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return errs.Io("s3 put "+key, err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.Bucket,
		Key:    awsString(s.fullKey(key)),
	})
	if err != nil {
		var nf *types.NotFound
		if isNotFound(err, nf) {
			return false, nil
		}
		return false, errs.Io("s3 head "+key, err)
	}
	return true, nil
}

func awsString(s string) *string { return &s }

func isNotFound(err error, nf *types.NotFound) bool {
	// aws-sdk-go-v2 surfaces missing objects as a *types.NotFound for
	// HeadObject; fall back to the API error code string for older/alternate
	// endpoints that don't populate the typed error.
	if err == nil {
		return false
	}
	if errors.As(err, &nf) {
		return true
	}
	type notFounder interface{ ErrorCode() string }
	var nfe notFounder
	if errors.As(err, &nfe) {
		return nfe.ErrorCode() == "NotFound"
	}
	return false
}
