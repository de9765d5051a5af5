package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/radif/media/internal/metrics"
	"github.com/radif/media/internal/record"
	"github.com/radif/media/internal/signing"
	"github.com/radif/media/internal/storage"
)

var (
	// ErrKeyNotOwned is returned when a caller names a key outside their
	// own upload namespace.
	ErrKeyNotOwned = errors.New("key is outside the caller's upload namespace")
	// ErrEmptyObject is returned when a verified object has zero bytes.
	ErrEmptyObject = errors.New("uploaded object is empty")
	// ErrInvalidPrefix is returned for listings outside uploads/.
	ErrInvalidPrefix = errors.New("prefix must start with " + storage.DefaultPrefix)
)

// Store is the storage contract the upload paths depend on. *storage.Selector
// satisfies it.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Stat(ctx context.Context, key string) (storage.ObjectInfo, string, error)
	List(ctx context.Context, prefix string) ([]storage.ObjectSummary, error)
	Delete(ctx context.Context, keyOrURL string) (string, error)
}

// Records persists media records. *record.Repository satisfies it.
type Records interface {
	Create(ctx context.Context, key, ownerID, contentType string, size int64, status record.Status) (*record.Media, error)
	Verify(ctx context.Context, key, ownerID, contentType string, size int64) (*record.Media, error)
	DeleteByKey(ctx context.Context, key string) error
}

// Presigner obtains presign grants. *PresignClient satisfies it.
type Presigner interface {
	Presign(ctx context.Context, p signing.Payload) (*Grant, error)
}

// Stored is the result of a direct upload.
type Stored struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Key     string `json:"key"`
}

// Verified is the result of confirming a deferred upload.
type Verified struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
	Size    int64  `json:"size"`
	URL     string `json:"url"`
}

// Service contains the upload business logic shared by the HTTP handlers.
type Service struct {
	store     Store
	records   Records
	presigner Presigner
	direct    Validator
	deferred  Validator
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates a Service. m may be nil.
func NewService(store Store, records Records, presigner Presigner, m *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		records:   records,
		presigner: presigner,
		direct:    NewValidator(DirectLimits),
		deferred:  NewValidator(DeferredLimits),
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// Direct validates f and streams body to storage under a fresh key.
func (s *Service) Direct(ctx context.Context, ownerID string, f File, body io.Reader) (*Stored, error) {
	verdict, err := s.direct.Validate(f)
	if err != nil {
		s.metrics.Upload("direct", "rejected", 0)
		return nil, err
	}

	key := storage.NewKey(s.now(), Extension(f.Name, verdict.ContentType))
	url, err := s.store.Put(ctx, key, body, f.Size, verdict.ContentType)
	if err != nil {
		s.metrics.Upload("direct", "error", 0)
		return nil, fmt.Errorf("store %q: %w", key, err)
	}

	if _, err := s.records.Create(ctx, key, ownerID, verdict.ContentType, f.Size, record.StatusVerified); err != nil {
		if _, derr := s.store.Delete(ctx, key); derr != nil {
			s.log.Error().Err(derr).Str("key", key).Msg("upload: rollback after record failure")
		}
		s.metrics.Upload("direct", "error", 0)
		return nil, fmt.Errorf("record %q: %w", key, err)
	}

	s.log.Info().Str("key", key).Str("owner", ownerID).Int64("size", f.Size).Str("class", string(verdict.Class)).Msg("upload: stored")
	s.metrics.Upload("direct", "ok", f.Size)
	return &Stored{Success: true, URL: url, Key: key}, nil
}

// Presign validates f against the deferred limits and relays a grant from
// the presign service. A pending record is kept for the granted key.
func (s *Service) Presign(ctx context.Context, ownerID string, f File) (*Grant, error) {
	verdict, err := s.deferred.Validate(f)
	if err != nil {
		s.metrics.Upload("deferred", "rejected", 0)
		return nil, err
	}

	grant, err := s.presigner.Presign(ctx, signing.Payload{
		FileName:  SanitizeFilename(f.Name),
		FileType:  verdict.ContentType,
		FileSize:  f.Size,
		UserID:    ownerID,
		Timestamp: s.now().UnixMilli(),
	})
	if err != nil {
		s.metrics.Upload("deferred", "error", 0)
		return nil, err
	}

	if grant.ContentType == "" {
		grant.ContentType = verdict.ContentType
	}

	// Verification upserts the record, so the grant stays usable either way.
	_, err = s.records.Create(ctx, grant.Key, ownerID, verdict.ContentType, f.Size, record.StatusPending)
	switch {
	case errors.Is(err, record.ErrAlreadyExists):
		s.log.Debug().Str("key", grant.Key).Msg("upload: pending record already present")
	case err != nil:
		s.log.Warn().Err(err).Str("key", grant.Key).Msg("upload: pending record not saved")
	}

	s.metrics.Upload("deferred", "granted", 0)
	return grant, nil
}

// Verify confirms that a deferred upload reached storage and is non-empty.
func (s *Service) Verify(ctx context.Context, ownerID, key string) (*Verified, error) {
	if !strings.HasPrefix(key, storage.UserPrefix(ownerID)) || strings.Contains(key, "..") || !storage.ValidKey(key) {
		return nil, ErrKeyNotOwned
	}

	info, url, err := s.store.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if info.Size == 0 {
		return nil, ErrEmptyObject
	}

	if _, err := s.records.Verify(ctx, key, ownerID, info.ContentType, info.Size); err != nil {
		return nil, err
	}

	s.metrics.Upload("deferred", "ok", info.Size)
	return &Verified{Success: true, Key: key, Size: info.Size, URL: url}, nil
}

// List returns the objects under prefix, which defaults to uploads/.
func (s *Service) List(ctx context.Context, prefix string) ([]storage.ObjectSummary, error) {
	if prefix == "" {
		prefix = storage.DefaultPrefix
	}
	if !strings.HasPrefix(prefix, storage.DefaultPrefix) || strings.Contains(prefix, "..") {
		return nil, ErrInvalidPrefix
	}
	return s.store.List(ctx, prefix)
}

// Delete removes the object behind a public URL (or key) and its record.
func (s *Service) Delete(ctx context.Context, ref string) (string, error) {
	key, err := s.store.Delete(ctx, ref)
	if err != nil {
		return key, err
	}
	if err := s.records.DeleteByKey(ctx, key); err != nil && !errors.Is(err, record.ErrNotFound) {
		s.log.Warn().Err(err).Str("key", key).Msg("upload: record not removed after delete")
	}
	s.log.Info().Str("key", key).Msg("upload: deleted")
	return key, nil
}
