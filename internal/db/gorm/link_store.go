package gorm

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

// LinkIssue records that an observation relates to an issue.
// Uses INSERT OR IGNORE on the (issue, observation) pair; returns true when a row was added.
func (s *ObservationStore) LinkIssue(ctx context.Context, issueID string, observationID int64) (bool, error) {
	link := &IssueLink{IssueID: issueID, ObservationID: observationID}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "issue_id"}, {Name: "observation_id"}},
			DoNothing: true,
		}).
		Create(link)
	if result.Error != nil {
		return false, fmt.Errorf("link issue %s: %w", issueID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// IssueLinksFor returns the issue ids linked to an observation.
func (s *ObservationStore) IssueLinksFor(ctx context.Context, observationID int64) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&IssueLink{}).
		Where("observation_id = ?", observationID).
		Order("id ASC").
		Pluck("issue_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list issue links: %w", err)
	}
	return ids, nil
}
