package record

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/radif/media/internal/config"
	"github.com/radif/media/internal/metrics"
	"github.com/radif/media/internal/storage"
)

// ObjectStore is the part of the storage selector the sweeper needs.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]storage.ObjectSummary, error)
	Delete(ctx context.Context, keyOrURL string) (string, error)
}

// Store is the part of the repository the sweeper needs.
type Store interface {
	VerifiedKeys(ctx context.Context, keys []string) (map[string]bool, error)
	DeletePendingBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Scanned        int
	ObjectsRemoved int
	RecordsRemoved int64
}

// Sweeper deletes objects that were granted or uploaded but never verified
// once they are older than the grace period. The grace period must exceed
// the presign TTL, otherwise an in-flight upload can be removed.
type Sweeper struct {
	objects  ObjectStore
	records  Store
	interval time.Duration
	grace    time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper. m may be nil.
func NewSweeper(objects ObjectStore, records Store, cfg config.SweepConfig, m *metrics.Metrics, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		objects:  objects,
		records:  records,
		interval: cfg.Interval,
		grace:    cfg.Grace,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done. A failed pass is logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.log.Info().Msg("sweeper: disabled")
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("sweeper: pass failed")
				continue
			}
			s.log.Info().
				Int("scanned", res.Scanned).
				Int("objects_removed", res.ObjectsRemoved).
				Int64("records_removed", res.RecordsRemoved).
				Msg("sweeper: pass complete")
		}
	}
}

// Sweep runs a single pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.grace)

	objects, err := s.objects.List(ctx, storage.DefaultPrefix)
	if err != nil {
		return res, fmt.Errorf("list objects: %w", err)
	}
	res.Scanned = len(objects)

	var old []string
	for _, o := range objects {
		if o.LastModified.Before(cutoff) {
			old = append(old, o.Key)
		}
	}

	verified, err := s.records.VerifiedKeys(ctx, old)
	if err != nil {
		return res, fmt.Errorf("load verified keys: %w", err)
	}

	for _, key := range old {
		if verified[key] {
			continue
		}
		if _, err := s.objects.Delete(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("sweeper: delete orphan failed")
			continue
		}
		s.log.Debug().Str("key", key).Msg("sweeper: orphan removed")
		res.ObjectsRemoved++
	}
	s.metrics.Swept("object", res.ObjectsRemoved)

	n, err := s.records.DeletePendingBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("delete pending records: %w", err)
	}
	res.RecordsRemoved = n
	s.metrics.Swept("record", int(n))

	return res, nil
}
