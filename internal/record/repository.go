// Package record tracks uploaded media objects in PostgreSQL and removes
// objects that were never confirmed.
package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the lifecycle state of a media record.
type Status string

const (
	// StatusPending marks a key that was granted but not yet confirmed.
	StatusPending Status = "pending"
	// StatusVerified marks an object known to exist in storage.
	StatusVerified Status = "verified"
)

// Media is one stored object as seen by the CMS.
type Media struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	OwnerID     string     `json:"ownerId"`
	ContentType string     `json:"contentType"`
	Size        int64      `json:"size"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	VerifiedAt  *time.Time `json:"verifiedAt,omitempty"`
}

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("media record not found")

// ErrAlreadyExists is returned when a key is already recorded.
var ErrAlreadyExists = errors.New("media record already exists")

const columns = `id, key, owner_id, content_type, size, status, created_at, updated_at, verified_at`

// Repository handles all media database operations.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a record with the given status.
func (r *Repository) Create(ctx context.Context, key, ownerID, contentType string, size int64, status Status) (*Media, error) {
	var verifiedAt *time.Time
	if status == StatusVerified {
		now := time.Now()
		verifiedAt = &now
	}

	m := &Media{}
	err := r.db.QueryRow(ctx,
		`INSERT INTO media (id, key, owner_id, content_type, size, status, verified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+columns,
		uuid.NewString(), key, ownerID, contentType, size, string(status), verifiedAt,
	).Scan(m.fields()...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create media record: %w", err)
	}
	return m, nil
}

// Verify marks key as verified with its observed size, creating the record
// when it does not exist yet.
func (r *Repository) Verify(ctx context.Context, key, ownerID, contentType string, size int64) (*Media, error) {
	m := &Media{}
	err := r.db.QueryRow(ctx,
		`INSERT INTO media (id, key, owner_id, content_type, size, status, verified_at)
		 VALUES ($1, $2, $3, $4, $5, 'verified', now())
		 ON CONFLICT (key) DO UPDATE
		 SET size = EXCLUDED.size,
		     content_type = EXCLUDED.content_type,
		     status = 'verified',
		     verified_at = now(),
		     updated_at = now()
		 RETURNING `+columns,
		uuid.NewString(), key, ownerID, contentType, size,
	).Scan(m.fields()...)
	if err != nil {
		return nil, fmt.Errorf("verify media record: %w", err)
	}
	return m, nil
}

// DeleteByKey removes the record for key.
func (r *Repository) DeleteByKey(ctx context.Context, key string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM media WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete media by key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// VerifiedKeys returns the subset of keys that have a verified record.
func (r *Repository) VerifiedKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	verified := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return verified, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT key FROM media WHERE status = 'verified' AND key = ANY($1)`,
		keys,
	)
	if err != nil {
		return nil, fmt.Errorf("query verified keys: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan verified keys: %w", err)
	}
	for _, k := range found {
		verified[k] = true
	}
	return verified, nil
}

// DeletePendingBefore removes pending records created before cutoff.
func (r *Repository) DeletePendingBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM media WHERE status = 'pending' AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete stale pending records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (m *Media) fields() []any {
	return []any{&m.ID, &m.Key, &m.OwnerID, &m.ContentType, &m.Size, &m.Status, &m.CreatedAt, &m.UpdatedAt, &m.VerifiedAt}
}

// isUniqueViolation checks whether an error is a PostgreSQL unique_violation (code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
