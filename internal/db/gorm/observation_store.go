package gorm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/thebtf/mnemo/internal/privacy"
	"github.com/thebtf/mnemo/pkg/models"
)

// DefaultListLimit is used when a list operation receives a non-positive limit.
const DefaultListLimit = 10

// Default timeline window sizes.
const (
	DefaultTimelineBefore = 3
	DefaultTimelineAfter  = 3
)

// ObservationStore provides observation-related database operations using GORM.
type ObservationStore struct {
	db  *gorm.DB
	now func() time.Time
}

// ObservationStoreOption configures an ObservationStore.
type ObservationStoreOption func(*ObservationStore)

// WithClock sets the clock used to stamp new observations.
func WithClock(now func() time.Time) ObservationStoreOption {
	return func(s *ObservationStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewObservationStore creates a new observation store.
func NewObservationStore(store *Store, opts ...ObservationStoreOption) *ObservationStore {
	s := &ObservationStore{
		db:  store.DB,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new observation and returns the full record.
// Missing type or narrative yields (nil, nil): a validation signal, not a fault.
// Credentials in the narrative and facts are redacted before the write.
func (s *ObservationStore) Create(ctx context.Context, params models.CreateParams) (*models.Observation, error) {
	if !params.Valid() {
		return nil, nil
	}
	if n := privacy.RedactParams(&params); n > 0 {
		log.Warn().Int("redacted", n).Str("type", string(params.Type)).Msg("Redacted credentials from observation")
	}

	now := s.now().UTC()
	confidence := 1.0
	if params.Confidence != nil {
		confidence = *params.Confidence
	}

	dbObs := &Observation{
		Type:           params.Type,
		Narrative:      params.Narrative,
		Facts:          models.JSONStringArray(params.Facts),
		Confidence:     confidence,
		FilesRead:      models.JSONStringArray(params.FilesRead),
		FilesModified:  models.JSONStringArray(params.FilesModified),
		Concepts:       models.JSONStringArray(params.Concepts),
		BeadID:         nullString(params.BeadID),
		ExpiresAt:      nullString(normalizeTimestamp(params.ExpiresAt)),
		CreatedAt:      now.Format(time.RFC3339),
		CreatedAtEpoch: now.UnixMilli(),
	}

	if err := s.db.WithContext(ctx).Create(dbObs).Error; err != nil {
		return nil, fmt.Errorf("create observation: %w", err)
	}
	return toModelObservation(dbObs), nil
}

// GetByID retrieves an observation by id. Returns (nil, nil) when absent.
func (s *ObservationStore) GetByID(ctx context.Context, id int64) (*models.Observation, error) {
	var dbObs Observation
	err := s.db.WithContext(ctx).First(&dbObs, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get observation %d: %w", id, err)
	}
	return toModelObservation(&dbObs), nil
}

// GetByIDs retrieves observations by id in ascending id order. Unknown ids are omitted.
func (s *ObservationStore) GetByIDs(ctx context.Context, ids []int64) ([]*models.Observation, error) {
	if len(ids) == 0 {
		return []*models.Observation{}, nil
	}

	var rows []Observation
	err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get observations by ids: %w", err)
	}
	return toModelObservations(rows), nil
}

// GetByType returns the most recent observations of a type.
func (s *ObservationStore) GetByType(ctx context.Context, typ models.ObservationType, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var rows []Observation
	err := s.db.WithContext(ctx).
		Where("type = ?", typ).
		Scopes(recencyOrdering()).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get observations by type: %w", err)
	}
	return toModelObservations(rows), nil
}

// GetByExternalTask returns all observations linked to an issue key, most recent first.
func (s *ObservationStore) GetByExternalTask(ctx context.Context, beadID string) ([]*models.Observation, error) {
	var rows []Observation
	err := s.db.WithContext(ctx).
		Where("bead_id = ?", beadID).
		Scopes(recencyOrdering()).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get observations by task: %w", err)
	}
	return toModelObservations(rows), nil
}

// Timeline returns the observations around id in ascending id order.
// The center is omitted when absent. When one side runs out of rows, its
// unused capacity goes to the other side so the window keeps its size at
// the edges of the store.
func (s *ObservationStore) Timeline(ctx context.Context, id int64, before, after int) ([]*models.Observation, error) {
	if before <= 0 {
		before = DefaultTimelineBefore
	}
	if after <= 0 {
		after = DefaultTimelineAfter
	}
	window := before + after + 1

	var center []Observation
	if err := s.db.WithContext(ctx).Where("id = ?", id).Find(&center).Error; err != nil {
		return nil, fmt.Errorf("timeline center: %w", err)
	}

	var older, newer []Observation
	if err := s.db.WithContext(ctx).
		Where("id < ?", id).
		Order("id DESC").
		Limit(window).
		Find(&older).Error; err != nil {
		return nil, fmt.Errorf("timeline before: %w", err)
	}
	if err := s.db.WithContext(ctx).
		Where("id > ?", id).
		Order("id ASC").
		Limit(window).
		Find(&newer).Error; err != nil {
		return nil, fmt.Errorf("timeline after: %w", err)
	}

	nBefore, nAfter := splitWindow(len(older), len(newer), before, after, window-len(center))

	rows := make([]Observation, 0, nBefore+len(center)+nAfter)
	older = older[:nBefore]
	slices.Reverse(older)
	rows = append(rows, older...)
	rows = append(rows, center...)
	rows = append(rows, newer[:nAfter]...)
	return toModelObservations(rows), nil
}

// splitWindow decides how many rows to take from each side of a timeline center.
func splitWindow(haveBefore, haveAfter, before, after, capacity int) (int, int) {
	nBefore := min(haveBefore, before)
	nAfter := min(haveAfter, after)
	spare := capacity - nBefore - nAfter
	if spare > 0 {
		extra := min(spare, haveBefore-nBefore)
		nBefore += extra
		spare -= extra
	}
	if spare > 0 {
		nAfter += min(spare, haveAfter-nAfter)
	}
	return nBefore, nAfter
}

// LinkConcept appends a concept tag. Returns false without writing when the
// tag is already present or the observation does not exist.
func (s *ObservationStore) LinkConcept(ctx context.Context, id int64, concept string) (bool, error) {
	if concept == "" {
		return false, nil
	}

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dbObs Observation
		err := tx.Select("id", "concepts").First(&dbObs, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if dbObs.Concepts.Contains(concept) {
			return nil
		}

		concepts := append(nonNil(dbObs.Concepts), concept)
		if err := tx.Model(&Observation{}).Where("id = ?", id).Update("concepts", concepts).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("link concept: %w", err)
	}
	return changed, nil
}

// LinkToTask sets the issue key of an observation. The key is not validated
// against the issue store. Returns false when the observation does not exist.
func (s *ObservationStore) LinkToTask(ctx context.Context, id int64, beadID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Observation{}).
		Where("id = ?", id).
		Update("bead_id", beadID)
	if result.Error != nil {
		return false, fmt.Errorf("link observation to task: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListLinkedByTypes returns observations of the given types that carry an issue key.
func (s *ObservationStore) ListLinkedByTypes(ctx context.Context, types ...models.ObservationType) ([]*models.Observation, error) {
	var rows []Observation
	err := s.db.WithContext(ctx).
		Where("bead_id IS NOT NULL AND bead_id != ''").
		Where("type IN ?", types).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list linked observations: %w", err)
	}
	return toModelObservations(rows), nil
}

// ExistsForTask reports whether an observation with the given type, issue key
// and narrative already exists.
func (s *ObservationStore) ExistsForTask(ctx context.Context, beadID string, typ models.ObservationType, narrative string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Observation{}).
		Where("bead_id = ? AND type = ? AND narrative = ?", beadID, typ, narrative).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check observation for task: %w", err)
	}
	return count > 0, nil
}

// recencyOrdering orders by created_at_epoch DESC, then id DESC.
func recencyOrdering() func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at_epoch DESC, id DESC")
	}
}

// normalizeTimestamp rewrites an RFC3339 timestamp in UTC so stored values
// compare lexically. Unparseable values are kept as given.
func normalizeTimestamp(ts *string) *string {
	if ts == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *ts)
	if err != nil {
		return ts
	}
	out := t.UTC().Format(time.RFC3339)
	return &out
}
