package gorm

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/thebtf/mnemo/pkg/models"
)

// commonWords is a package-level set for O(1) lookup of stop words.
var commonWords = map[string]struct{}{
	"the": {}, "and": {}, "but": {}, "for": {}, "with": {},
	"from": {}, "was": {}, "are": {}, "were": {}, "been": {},
	"being": {}, "have": {}, "has": {}, "had": {}, "does": {},
	"did": {}, "will": {}, "would": {}, "should": {}, "could": {},
	"may": {}, "might": {}, "must": {}, "can": {}, "this": {},
	"that": {}, "these": {}, "those": {}, "into": {}, "about": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "how": {},
	"please": {}, "not": {}, "any": {}, "all": {},
}

// Search runs a full-text match over type, narrative and facts.
// Results are ordered by confidence, then recency. A query without usable
// terms returns an empty result. An empty typ matches every type.
func (s *ObservationStore) Search(ctx context.Context, query string, typ models.ObservationType, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	match := ftsExpression(query)
	if match == "" {
		return []*models.Observation{}, nil
	}

	sql := `
		SELECT o.*
		FROM observations o
		JOIN observations_fts ON observations_fts.rowid = o.id
		WHERE observations_fts MATCH ?`
	args := []any{match}
	if typ != "" {
		sql += ` AND o.type = ?`
		args = append(args, typ)
	}
	sql += `
		ORDER BY o.confidence DESC, o.created_at_epoch DESC, o.id DESC
		LIMIT ?`
	args = append(args, limit)

	var rows []Observation
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("search observations: %w", err)
	}
	return toModelObservations(rows), nil
}

// ftsExpression turns free text into an FTS5 query: each keyword is quoted
// so query syntax characters are matched literally, and terms are OR-ed.
func ftsExpression(query string) string {
	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return ""
	}
	quoted := make([]string, len(keywords))
	for i, kw := range keywords {
		quoted[i] = `"` + kw + `"`
	}
	return strings.Join(quoted, " OR ")
}

// extractKeywords extracts keywords from a search query.
func extractKeywords(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	keywords := make([]string, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, word := range words {
		if len([]rune(word)) < 3 {
			continue
		}
		if _, isCommon := commonWords[word]; isCommon {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		keywords = append(keywords, word)
	}
	return keywords
}
