package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/mnemo/pkg/models"
)

// Count returns the total number of observations.
func (s *ObservationStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Observation{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return count, nil
}

// CountByType returns observation counts keyed by type.
func (s *ObservationStore) CountByType(ctx context.Context) (map[models.ObservationType]int64, error) {
	var rows []struct {
		Type  models.ObservationType
		Count int64
	}
	err := s.db.WithContext(ctx).
		Model(&Observation{}).
		Select("type, COUNT(*) AS count").
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count observations by type: %w", err)
	}

	counts := make(map[models.ObservationType]int64, len(rows))
	for _, r := range rows {
		counts[r.Type] = r.Count
	}
	return counts, nil
}

// CountCreatedBefore counts observations created before cutoff.
func (s *ObservationStore) CountCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Observation{}).
		Scopes(createdBefore(cutoff)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count old observations: %w", err)
	}
	return count, nil
}

// DeleteCreatedBefore deletes observations created before cutoff along with their issue links.
func (s *ObservationStore) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(ctx, createdBefore(cutoff))
}

// CountExpired counts observations whose advisory expiry is before now.
func (s *ObservationStore) CountExpired(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Observation{}).
		Scopes(expiredAt(now)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count expired observations: %w", err)
	}
	return count, nil
}

// DeleteExpired deletes observations whose advisory expiry is before now.
func (s *ObservationStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteWhere(ctx, expiredAt(now))
}

// DeleteAll wipes every observation and issue link.
func (s *ObservationStore) DeleteAll(ctx context.Context) (int64, error) {
	return s.deleteWhere(ctx, func(db *gorm.DB) *gorm.DB { return db.Where("1 = 1") })
}

func (s *ObservationStore) deleteWhere(ctx context.Context, scope func(*gorm.DB) *gorm.DB) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		matching := tx.Model(&Observation{}).Select("id").Scopes(scope)
		if err := tx.Where("observation_id IN (?)", matching).Delete(&IssueLink{}).Error; err != nil {
			return err
		}
		result := tx.Scopes(scope).Delete(&Observation{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete observations: %w", err)
	}
	return deleted, nil
}

func createdBefore(cutoff time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("created_at_epoch < ?", cutoff.UnixMilli())
	}
}

func expiredAt(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("expires_at IS NOT NULL AND expires_at != '' AND expires_at < ?", now.UTC().Format(time.RFC3339))
	}
}
