package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/radif/media/internal/config"
	"github.com/rs/zerolog"
)

// candidate is one entry of the ordered backend list.
type candidate struct {
	name    string
	enabled func(config.StorageConfig) bool
	open    func(ctx context.Context, s *Selector) (Backend, error)
}

// candidates is evaluated top to bottom on every call; the first enabled
// entry wins. The local filesystem is always enabled and must stay last.
var candidates = []candidate{
	{name: "primary", enabled: config.StorageConfig.PrimaryConfigured, open: openPrimary},
	{name: "blob", enabled: config.StorageConfig.BlobConfigured, open: openBlob},
	{name: "local", enabled: func(config.StorageConfig) bool { return true }, open: openLocal},
}

// Selector picks a Backend from configuration presence and exposes the
// uniform put/get/list/delete contract on top of it. It holds no state
// besides configuration and an HTTP transport shared by minio clients.
type Selector struct {
	cfg       config.StorageConfig
	transport http.RoundTripper
	log       zerolog.Logger
}

// NewSelector creates a Selector for cfg.
func NewSelector(cfg config.StorageConfig, log zerolog.Logger) (*Selector, error) {
	_, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	transport, err := minio.DefaultTransport(secure)
	if err != nil {
		return nil, fmt.Errorf("create storage transport: %w", err)
	}
	return &Selector{cfg: cfg, transport: transport, log: log}, nil
}

// Select returns the highest-priority backend whose configuration is present.
// The caller must Close it.
func (s *Selector) Select(ctx context.Context) (Backend, error) {
	for _, c := range candidates {
		if !c.enabled(s.cfg) {
			continue
		}
		b, err := c.open(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("open %s backend: %w", c.name, err)
		}
		return b, nil
	}
	return nil, errors.New("no storage backend available")
}

// Primary returns the primary object store, or nil when it is not configured.
func (s *Selector) Primary() (*MinioStorage, error) {
	if !s.cfg.PrimaryConfigured() {
		return nil, nil
	}
	return NewMinioStorage(s.cfg, s.transport)
}

// Put writes body under key on the selected backend and returns its public URL.
func (s *Selector) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	b, err := s.Select(ctx)
	if err != nil {
		return "", err
	}
	defer b.Close() //nolint:errcheck

	url, err := b.Put(ctx, key, body, size, contentType)
	if err != nil {
		return "", fmt.Errorf("%s: %w", b.Name(), err)
	}
	return url, nil
}

// Stat returns the metadata of key on the selected backend.
func (s *Selector) Stat(ctx context.Context, key string) (ObjectInfo, string, error) {
	b, err := s.Select(ctx)
	if err != nil {
		return ObjectInfo{}, "", err
	}
	defer b.Close() //nolint:errcheck

	info, err := b.Stat(ctx, key)
	if err != nil {
		return ObjectInfo{}, "", fmt.Errorf("%s: %w", b.Name(), err)
	}
	return info, b.PublicURL(key), nil
}

// List returns the objects under prefix on the selected backend.
func (s *Selector) List(ctx context.Context, prefix string) ([]ObjectSummary, error) {
	b, err := s.Select(ctx)
	if err != nil {
		return nil, err
	}
	defer b.Close() //nolint:errcheck

	objects, err := b.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return objects, nil
}

// Delete removes the object identified by a key or by its public URL and
// returns the key it resolved to.
func (s *Selector) Delete(ctx context.Context, keyOrURL string) (string, error) {
	b, err := s.Select(ctx)
	if err != nil {
		return "", err
	}
	defer b.Close() //nolint:errcheck

	key, err := ResolveKey(b.PublicURL(""), keyOrURL)
	if err != nil {
		return "", err
	}
	if err := b.Delete(ctx, key); err != nil {
		return key, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return key, nil
}

func openPrimary(_ context.Context, s *Selector) (Backend, error) {
	return NewMinioStorage(s.cfg, s.transport)
}

func openBlob(ctx context.Context, s *Selector) (Backend, error) {
	return NewBlobStorage(ctx, s.cfg)
}

func openLocal(_ context.Context, s *Selector) (Backend, error) {
	s.log.Debug().Str("dir", s.cfg.LocalDir).Msg("storage: using local filesystem backend")
	return NewDiskStorage(s.cfg.LocalDir)
}
