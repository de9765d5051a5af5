package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/radif/media/internal/config"
)

// MinioStorage implements Backend using a MinIO (or any S3-compatible) store.
// Switching between MinIO, R2 and AWS S3 is a matter of S3_ENDPOINT and
// credentials.
type MinioStorage struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

// NewMinioStorage creates a client for the primary store. It performs no
// network calls; use EnsureBucket once at startup to provision the bucket.
func NewMinioStorage(cfg config.StorageConfig, transport http.RoundTripper) (*MinioStorage, error) {
	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:    secure,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	publicBase := cfg.PublicBaseURL
	if publicBase == "" {
		publicBase = ProxyPath
	}

	return &MinioStorage{
		client:     client,
		bucket:     cfg.Bucket,
		publicBase: publicBase,
	}, nil
}

// EnsureBucket creates the bucket when missing and applies a public-read
// policy so that PublicURL links resolve without signing.
func (s *MinioStorage) EnsureBucket(ctx context.Context) (created bool, err error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return false, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return false, fmt.Errorf("create bucket %q: %w", s.bucket, err)
		}
	}

	if err := s.client.SetBucketPolicy(ctx, s.bucket, publicReadPolicy(s.bucket)); err != nil {
		return !exists, fmt.Errorf("set bucket policy: %w", err)
	}
	return !exists, nil
}

// Name implements Backend.
func (s *MinioStorage) Name() string { return "primary" }

// Put streams body to the bucket under key. size must be the exact byte count
// (pass -1 only if the size is genuinely unknown; MinIO will buffer it).
func (s *MinioStorage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: CacheControl,
	})
	if err != nil {
		return "", fmt.Errorf("put object %q: %w", key, err)
	}
	return s.PublicURL(key), nil
}

// Stat implements Backend with a HEAD request.
func (s *MinioStorage) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapMinioError("stat object", key, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// Open implements Backend. The ranged GET is issued lazily by minio-go on the
// first Read, so a missing key surfaces as a read error.
func (s *MinioStorage) Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if rng != nil {
		if err := opts.SetRange(rng.Start, rng.End); err != nil {
			return nil, fmt.Errorf("set range on %q: %w", key, err)
		}
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, mapMinioError("get object", key, err)
	}
	return obj, nil
}

// List implements Backend.
func (s *MinioStorage) List(ctx context.Context, prefix string) ([]ObjectSummary, error) {
	var out []ObjectSummary
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects %q: %w", prefix, obj.Err)
		}
		out = append(out, ObjectSummary{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			URL:          s.PublicURL(obj.Key),
		})
	}
	return out, nil
}

// Delete removes the object at key from the bucket.
func (s *MinioStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return mapMinioError("remove object", key, err)
	}
	return nil
}

// PublicURL returns the browser-accessible URL for the given key.
// With a CDN: "https://cdn.example.com/uploads/1700000000000-abc.jpg"
// Without one: "/media/uploads/1700000000000-abc.jpg" (served by the proxy)
func (s *MinioStorage) PublicURL(key string) string {
	return joinURL(s.publicBase, key)
}

// Close implements Backend; minio clients hold no per-instance resources.
func (s *MinioStorage) Close() error { return nil }

func mapMinioError(op, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%s %q: %w", op, key, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s %q: %w", op, key, err)
}

// splitEndpoint accepts "host:port" or a full URL. minio-go wants the bare
// host and a separate TLS flag.
func splitEndpoint(endpoint string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	}
	return endpoint, useSSL
}

// publicReadPolicy returns an S3 bucket policy JSON that allows anonymous GET on all objects.
func publicReadPolicy(bucket string) string {
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect":    "Allow",
				"Principal": "*",
				"Action":    "s3:GetObject",
				"Resource":  fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
			},
		},
	}
	b, _ := json.Marshal(policy)
	return string(b)
}
