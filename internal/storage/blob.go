package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"github.com/radif/media/internal/config"
	"golang.org/x/oauth2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// BlobStorage implements Backend on a Google Cloud Storage bucket. It is the
// fallback used when only a blob read/write token is configured.
type BlobStorage struct {
	client     *gcs.Client
	bucket     string
	publicBase string
}

// NewBlobStorage creates a GCS client authenticated with the static bearer
// token from BLOB_READ_WRITE_TOKEN.
func NewBlobStorage(ctx context.Context, cfg config.StorageConfig) (*BlobStorage, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BlobToken, TokenType: "Bearer"})
	client, err := gcs.NewClient(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}

	publicBase := cfg.BlobPublicBaseURL
	if publicBase == "" {
		publicBase = "https://storage.googleapis.com/" + cfg.BlobBucket
	}

	return &BlobStorage{client: client, bucket: cfg.BlobBucket, publicBase: publicBase}, nil
}

// Name implements Backend.
func (s *BlobStorage) Name() string { return "blob" }

// Put writes body to the bucket at key. A failed copy aborts the upload, so
// no partial object is committed.
func (s *BlobStorage) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = CacheControl

	if _, err := io.Copy(w, body); err != nil {
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("blob write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("blob close %q: %w", key, err)
	}
	return s.PublicURL(key), nil
}

// Stat implements Backend.
func (s *BlobStorage) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, mapBlobError("blob attrs", key, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
	}, nil
}

// Open implements Backend.
func (s *BlobStorage) Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	obj := s.client.Bucket(s.bucket).Object(key)

	var (
		r   *gcs.Reader
		err error
	)
	if rng != nil {
		r, err = obj.NewRangeReader(ctx, rng.Start, rng.Len())
	} else {
		r, err = obj.NewReader(ctx)
	}
	if err != nil {
		return nil, mapBlobError("blob read", key, err)
	}
	return r, nil
}

// List implements Backend.
func (s *BlobStorage) List(ctx context.Context, prefix string) ([]ObjectSummary, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})

	var out []ObjectSummary
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blob list %q: %w", prefix, err)
		}
		out = append(out, ObjectSummary{
			Key:          attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
			URL:          s.PublicURL(attrs.Name),
		})
	}
	return out, nil
}

// Delete implements Backend.
func (s *BlobStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
		return mapBlobError("blob delete", key, err)
	}
	return nil
}

// PublicURL implements Backend.
func (s *BlobStorage) PublicURL(key string) string {
	return joinURL(s.publicBase, key)
}

// Close releases the underlying GCS client.
func (s *BlobStorage) Close() error {
	return s.client.Close()
}

func mapBlobError(op, key string, err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("%s %q: %w", op, key, ErrNotFound)
	}
	return fmt.Errorf("%s %q: %w", op, key, err)
}
