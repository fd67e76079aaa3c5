// Package archive uploads audit trail segments to S3-compatible storage.
// When no bucket is configured, the NoopUploader is used and archiving is
// skipped.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/viewsync/internal/config"
)

// ErrNotConfigured is returned when archive storage is not configured.
var ErrNotConfigured = errors.New("archive storage not configured")

// Uploader stores one archive segment.
type Uploader interface {
	// Upload writes body under a fresh object key and returns that key.
	Upload(ctx context.Context, at time.Time, body []byte) (string, error)
}

// s3Client is the subset of *minio.Client used by S3Uploader.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, body []byte, contentType string) error
}

type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, body []byte, contentType string) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

// S3Uploader writes JSONL segments to a bucket.
type S3Uploader struct {
	client s3Client
	bucket string
	prefix string
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, at time.Time, body []byte) (string, error) {
	key := objectKey(u.prefix, at)
	if err := u.client.PutObject(ctx, u.bucket, key, body, "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("upload archive segment: %w", err)
	}
	return key, nil
}

// NoopUploader is used when archive storage is not configured.
type NoopUploader struct{}

// Upload always returns ErrNotConfigured.
func (NoopUploader) Upload(ctx context.Context, at time.Time, body []byte) (string, error) {
	return "", ErrNotConfigured
}

// NewUploader returns a NoopUploader when the bucket is empty and an
// S3Uploader otherwise.
func NewUploader(cfg config.ArchiveConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// objectKey lays segments out by UTC day: {prefix}/2006/01/02/{ulid}.jsonl.
func objectKey(prefix string, at time.Time) string {
	at = at.UTC()
	id := ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy())
	return path.Join(prefix, at.Format("2006/01/02"), id.String()+".jsonl")
}
