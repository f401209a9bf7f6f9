// Package output decides where finished conversions end up.
package output

import (
	"context"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/config"
)

// Sink takes the local file a pipeline produced and returns the location
// recorded on the job.
type Sink interface {
	Put(ctx context.Context, jobID, localPath string) (string, error)
}

// Local keeps outputs where the pipeline wrote them.
type Local struct{}

func (Local) Put(_ context.Context, _ string, localPath string) (string, error) {
	return localPath, nil
}

const scheme = "s3://"

// S3 uploads outputs to a bucket and records them as s3://bucket/key.
type S3 struct {
	client *minio.Client
	bucket string
	// Expiry bounds presigned download links.
	Expiry time.Duration
}

func NewS3(cfg config.S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create s3 client")
	}
	return &S3{client: client, bucket: cfg.Bucket, Expiry: 15 * time.Minute}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrapf(err, "check bucket %s", s.bucket)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.Wrapf(err, "create bucket %s", s.bucket)
	}
	return nil
}

func objectKey(jobID, localPath string) string {
	return path.Join("outputs", jobID, filepath.Base(localPath))
}

func (s *S3) Put(ctx context.Context, jobID, localPath string) (string, error) {
	key := objectKey(jobID, localPath)
	ct := mime.TypeByExtension(filepath.Ext(localPath))
	if ct == "" {
		ct = "application/octet-stream"
	}
	if _, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{ContentType: ct}); err != nil {
		return "", errors.Wrap(err, "s3 put object")
	}
	return scheme + s.bucket + "/" + key, nil
}

// PresignedURL returns a time-limited GET link for a location produced by Put.
func (s *S3) PresignedURL(ctx context.Context, location string) (string, error) {
	bucket, key, ok := ParseLocation(location)
	if !ok {
		return "", errors.Errorf("not an s3 location: %q", location)
	}
	params := url.Values{}
	params.Set("response-content-disposition", `attachment; filename="`+path.Base(key)+`"`)
	u, err := s.client.PresignedGetObject(ctx, bucket, key, s.Expiry, params)
	if err != nil {
		return "", errors.Wrap(err, "presigned get object")
	}
	return u.String(), nil
}

// ParseLocation splits s3://bucket/key.
func ParseLocation(location string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(location, scheme)
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
