// Package storage defines the contract shared by every object storage backend
// and the selector that picks one per call. The primary backend works with any
// S3-compatible provider (MinIO, R2, AWS S3); the blob backend targets Google
// Cloud Storage; the disk backend exists for local development only.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// CacheControl is attached to every stored object. Keys are never reused for
// different content, so objects may be cached forever.
const CacheControl = "public, max-age=31536000, immutable"

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that are empty or escape the namespace.
var ErrInvalidKey = errors.New("invalid object key")

// ObjectInfo is the metadata of a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ObjectSummary is one entry of a listing.
type ObjectSummary struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	URL          string    `json:"url"`
}

// ByteRange is an inclusive byte window, as in an HTTP Range header.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// Backend is the uniform contract every storage variant implements.
type Backend interface {
	// Name identifies the variant in logs: "primary", "blob" or "local".
	Name() string
	// Put streams body to the store under key and returns its public URL.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	// Stat issues a metadata-only request for key.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// Open returns a reader over key, limited to rng when it is non-nil.
	Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error)
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectSummary, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// PublicURL constructs the browser-accessible URL for key.
	PublicURL(key string) string
	// Close releases any client resources held by the backend.
	Close() error
}
