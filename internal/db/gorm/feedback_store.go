package gorm

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/thebtf/mnemo/pkg/models"
)

// FeedbackCounts holds feedback totals for one bullet id.
type FeedbackCounts struct {
	Helpful int64
	Harmful int64
}

// CountFeedback counts helpful and harmful feedback rows whose facts reference bulletID.
//
// Matching is a substring test over the serialized facts column, so the quoted
// bullet id is searched for ("obs-1" does not match "obs-12").
func (s *ObservationStore) CountFeedback(ctx context.Context, bulletID string) (*FeedbackCounts, error) {
	pattern, err := factsContainsPattern(bulletID)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Type  models.ObservationType
		Count int64
	}
	err = s.db.WithContext(ctx).
		Model(&Observation{}).
		Select("type, COUNT(*) AS count").
		Where("type IN ?", []models.ObservationType{models.ObsTypeFeedbackHelpful, models.ObsTypeFeedbackHarmful}).
		Where(`facts LIKE ? ESCAPE '\'`, pattern).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count feedback: %w", err)
	}

	counts := &FeedbackCounts{}
	for _, r := range rows {
		switch r.Type {
		case models.ObsTypeFeedbackHelpful:
			counts.Helpful = r.Count
		case models.ObsTypeFeedbackHarmful:
			counts.Harmful = r.Count
		}
	}
	return counts, nil
}

// HasAntiPattern reports whether an anti_pattern observation already references bulletID.
func (s *ObservationStore) HasAntiPattern(ctx context.Context, bulletID string) (bool, error) {
	pattern, err := factsContainsPattern(bulletID)
	if err != nil {
		return false, err
	}

	var count int64
	err = s.db.WithContext(ctx).
		Model(&Observation{}).
		Where("type = ?", models.ObsTypeAntiPattern).
		Where(`facts LIKE ? ESCAPE '\'`, pattern).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check anti-pattern: %w", err)
	}
	return count > 0, nil
}

// factsContainsPattern builds a LIKE pattern matching a list element exactly as
// it appears in the serialized facts column.
func factsContainsPattern(element string) (string, error) {
	quoted, err := json.Marshal(element)
	if err != nil {
		return "", fmt.Errorf("encode fact: %w", err)
	}
	return "%" + escapeLike(string(quoted)) + "%", nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike escapes LIKE wildcards for use with ESCAPE '\'.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
