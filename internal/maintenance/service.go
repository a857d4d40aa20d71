// Package maintenance provides on-demand administration of the observation store.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/db/gorm"
	"github.com/thebtf/mnemo/pkg/models"
)

// ErrReadOnly is returned when a mutating operation runs against a store opened read-only.
var ErrReadOnly = errors.New("observation store is open read-only")

// DefaultArchiveDays is the archive cutoff used when none is given.
const DefaultArchiveDays = 90

// checkpointLayout names checkpoint copies: <name>.checkpoint-<UTC yyyymmdd-hhmmss>.db
const checkpointLayout = "20060102-150405"

// StoreStatus describes the observation store.
type StoreStatus struct {
	ByType  map[models.ObservationType]int64 `json:"by_type"`
	Path    string                           `json:"path"`
	Total   int64                            `json:"total"`
	Expired int64                            `json:"expired"`
	Size    int64                            `json:"size_bytes"`
}

// SweepResult reports a deletion sweep. On a dry run Count is what would be removed.
type SweepResult struct {
	Cutoff string `json:"cutoff"`
	Count  int64  `json:"count"`
	DryRun bool   `json:"dry_run"`
}

// Service runs administration tasks against one open store.
type Service struct {
	log              zerolog.Logger
	lastRunTime      time.Time
	store            *gorm.Store
	observationStore *gorm.ObservationStore
	config           *config.Config
	now              func() time.Time
	lastOperation    string
	totalDeleted     int64
	mu               sync.Mutex
}

// NewService creates a new maintenance service.
func NewService(
	store *gorm.Store,
	observationStore *gorm.ObservationStore,
	cfg *config.Config,
	log zerolog.Logger,
) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Service{
		store:            store,
		observationStore: observationStore,
		config:           cfg,
		now:              time.Now,
		log:              log.With().Str("component", "maintenance").Logger(),
	}
}

// SetClock replaces the clock used for cutoffs and checkpoint names.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Status reports counts, path and size of the store.
func (s *Service) Status(ctx context.Context) (*StoreStatus, error) {
	total, err := s.observationStore.Count(ctx)
	if err != nil {
		return nil, err
	}
	byType, err := s.observationStore.CountByType(ctx)
	if err != nil {
		return nil, err
	}
	expired, err := s.observationStore.CountExpired(ctx, s.now())
	if err != nil {
		return nil, err
	}
	size, err := s.store.FileSize()
	if err != nil {
		return nil, err
	}
	return &StoreStatus{
		Path:    s.store.Path(),
		Total:   total,
		ByType:  byType,
		Expired: expired,
		Size:    size,
	}, nil
}

// Archive removes observations created more than olderThanDays ago.
// Zero archives everything created before now; a negative value uses the
// configured archive days. A dry run only counts.
func (s *Service) Archive(ctx context.Context, olderThanDays int, dryRun bool) (*SweepResult, error) {
	if olderThanDays < 0 {
		olderThanDays = s.config.ArchiveDays
		if olderThanDays <= 0 {
			olderThanDays = DefaultArchiveDays
		}
	}
	cutoff := s.now().UTC().AddDate(0, 0, -olderThanDays)
	result := &SweepResult{Cutoff: cutoff.Format(time.RFC3339), DryRun: dryRun}

	if !dryRun && s.store.ReadOnly() {
		return nil, ErrReadOnly
	}

	var err error
	if dryRun {
		result.Count, err = s.observationStore.CountCreatedBefore(ctx, cutoff)
	} else {
		result.Count, err = s.observationStore.DeleteCreatedBefore(ctx, cutoff)
	}
	if err != nil {
		return nil, err
	}

	s.record("archive", result)
	return result, nil
}

// PurgeExpired removes observations whose advisory expiry has passed.
func (s *Service) PurgeExpired(ctx context.Context, dryRun bool) (*SweepResult, error) {
	now := s.now().UTC()
	result := &SweepResult{Cutoff: now.Format(time.RFC3339), DryRun: dryRun}
	if !dryRun && s.store.ReadOnly() {
		return nil, ErrReadOnly
	}

	var err error
	if dryRun {
		result.Count, err = s.observationStore.CountExpired(ctx, now)
	} else {
		result.Count, err = s.observationStore.DeleteExpired(ctx, now)
	}
	if err != nil {
		return nil, err
	}

	s.record("purge-expired", result)
	return result, nil
}

// Wipe deletes every observation and issue link.
func (s *Service) Wipe(ctx context.Context) (int64, error) {
	if s.store.ReadOnly() {
		return 0, ErrReadOnly
	}
	deleted, err := s.observationStore.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	s.record("wipe", &SweepResult{Count: deleted})
	return deleted, nil
}

// Checkpoint flushes the write-ahead log and copies the store file next to
// itself. It returns the path of the copy.
func (s *Service) Checkpoint(ctx context.Context) (string, error) {
	if s.store.ReadOnly() {
		return "", ErrReadOnly
	}
	if err := s.store.Checkpoint(ctx); err != nil {
		return "", err
	}

	src := s.store.Path()
	name := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dst := filepath.Join(filepath.Dir(src),
		fmt.Sprintf("%s.checkpoint-%s.db", name, s.now().UTC().Format(checkpointLayout)))

	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("copy checkpoint: %w", err)
	}

	s.log.Info().Str("path", dst).Msg("Checkpoint written")
	s.record("checkpoint", nil)
	return dst, nil
}

// Vacuum compacts the store file and returns its resulting size.
func (s *Service) Vacuum(ctx context.Context) (int64, error) {
	if s.store.ReadOnly() {
		return 0, ErrReadOnly
	}
	if err := s.store.Vacuum(ctx); err != nil {
		return 0, err
	}
	size, err := s.store.FileSize()
	if err != nil {
		return 0, err
	}
	s.record("vacuum", nil)
	return size, nil
}

func (s *Service) record(op string, res *SweepResult) {
	s.mu.Lock()
	s.lastRunTime = s.now()
	s.lastOperation = op
	if res != nil && !res.DryRun {
		s.totalDeleted += res.Count
	}
	s.mu.Unlock()

	if res != nil {
		s.log.Info().
			Str("operation", op).
			Int64("count", res.Count).
			Bool("dry_run", res.DryRun).
			Msg("Maintenance operation completed")
	}
}

// Stats returns maintenance statistics for this service instance.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"archive_days":   s.config.ArchiveDays,
		"last_run":       s.lastRunTime,
		"last_operation": s.lastOperation,
		"total_deleted":  s.totalDeleted,
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
