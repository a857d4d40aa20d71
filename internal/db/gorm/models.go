package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/mnemo/pkg/models"
)

// GORM Models

// Observation is the stored form of models.Observation.
type Observation struct {
	BeadID         sql.NullString         `gorm:"index:idx_observations_bead_id"`
	ExpiresAt      sql.NullString         `gorm:"index:idx_observations_expires_at"`
	Type           models.ObservationType `gorm:"type:text;not null;index:idx_observations_type"`
	Narrative      string                 `gorm:"type:text;not null"`
	CreatedAt      string                 `gorm:"type:text;not null"`
	Facts          models.JSONStringArray `gorm:"type:text;not null"`
	FilesRead      models.JSONStringArray `gorm:"type:text;not null"`
	FilesModified  models.JSONStringArray `gorm:"type:text;not null"`
	Concepts       models.JSONStringArray `gorm:"type:text;not null"`
	ID             int64                  `gorm:"primaryKey;autoIncrement"`
	CreatedAtEpoch int64                  `gorm:"index:idx_observations_created,sort:desc;not null"`
	Confidence     float64                `gorm:"type:real;not null"`
}

func (Observation) TableName() string { return "observations" }

// BeforeCreate hook to ensure timestamps and list columns are set.
func (o *Observation) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UTC()
	if o.CreatedAtEpoch == 0 {
		o.CreatedAtEpoch = now.UnixMilli()
	}
	if o.CreatedAt == "" {
		o.CreatedAt = time.UnixMilli(o.CreatedAtEpoch).UTC().Format(time.RFC3339)
	}
	if o.Facts == nil {
		o.Facts = models.JSONStringArray{}
	}
	if o.FilesRead == nil {
		o.FilesRead = models.JSONStringArray{}
	}
	if o.FilesModified == nil {
		o.FilesModified = models.JSONStringArray{}
	}
	if o.Concepts == nil {
		o.Concepts = models.JSONStringArray{}
	}
	return nil
}

// IssueLink records that an observation relates to an issue in the issue store.
type IssueLink struct {
	IssueID       string `gorm:"type:text;not null;uniqueIndex:idx_issue_links_pair,priority:1"`
	CreatedAt     string `gorm:"type:text;not null"`
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	ObservationID int64  `gorm:"not null;uniqueIndex:idx_issue_links_pair,priority:2;index:idx_issue_links_observation"`
}

func (IssueLink) TableName() string { return "issue_links" }

// BeforeCreate hook to ensure the timestamp is set.
func (l *IssueLink) BeforeCreate(tx *gorm.DB) error {
	if l.CreatedAt == "" {
		l.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return nil
}

func toModelObservation(o *Observation) *models.Observation {
	obs := &models.Observation{
		ID:             o.ID,
		Type:           o.Type,
		Narrative:      o.Narrative,
		Facts:          nonNil(o.Facts),
		Confidence:     o.Confidence,
		FilesRead:      nonNil(o.FilesRead),
		FilesModified:  nonNil(o.FilesModified),
		Concepts:       nonNil(o.Concepts),
		CreatedAt:      o.CreatedAt,
		CreatedAtEpoch: o.CreatedAtEpoch,
	}
	if o.BeadID.Valid {
		obs.BeadID = &o.BeadID.String
	}
	if o.ExpiresAt.Valid {
		obs.ExpiresAt = &o.ExpiresAt.String
	}
	return obs
}

func toModelObservations(rows []Observation) []*models.Observation {
	out := make([]*models.Observation, 0, len(rows))
	for i := range rows {
		out = append(out, toModelObservation(&rows[i]))
	}
	return out
}

func nonNil(list models.JSONStringArray) models.JSONStringArray {
	if list == nil {
		return models.JSONStringArray{}
	}
	return list
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
