package scoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/thebtf/mnemo/pkg/models"
)

// DefaultContextLimit is used when RankedContext receives a non-positive limit.
const DefaultContextLimit = 10

// DegradedLocalOnly explains why the context was assembled from the local store alone.
const DegradedLocalOnly = "no external research source configured; ranked from the local observation store only"

// Searcher is the full-text search the ranker draws candidates from.
type Searcher interface {
	Search(ctx context.Context, query string, typ models.ObservationType, limit int) ([]*models.Observation, error)
}

// Bullet is a ranked observation offered as context.
type Bullet struct {
	BulletID      string                 `json:"bullet_id"`
	Type          models.ObservationType `json:"type"`
	Headline      string                 `json:"headline"`
	Narrative     string                 `json:"narrative"`
	CreatedAt     string                 `json:"created_at"`
	Facts         []string               `json:"facts"`
	ObservationID int64                  `json:"observation_id"`
	Confidence    float64                `json:"confidence"`
	Score         float64                `json:"score"`
}

// HistoryItem is an unscored entry of the candidate pool.
type HistoryItem struct {
	BulletID  string                 `json:"bullet_id"`
	Type      models.ObservationType `json:"type"`
	Headline  string                 `json:"headline"`
	CreatedAt string                 `json:"created_at"`
}

// RankedContext is the context assembled for a task description.
type RankedContext struct {
	Task         string        `json:"task"`
	Degraded     string        `json:"degraded,omitempty"`
	Bullets      []Bullet      `json:"bullets"`
	AntiPatterns []Bullet      `json:"anti_patterns"`
	History      []HistoryItem `json:"history"`
}

// Ranker assembles ranked context from search candidates.
type Ranker struct {
	search Searcher
	calc   *Calculator
	// Now is the clock used for recency; defaults to time.Now.
	Now func() time.Time
}

// NewRanker creates a ranker over the given searcher.
func NewRanker(search Searcher, calc *Calculator) *Ranker {
	if calc == nil {
		calc = NewCalculator(nil)
	}
	return &Ranker{search: search, calc: calc, Now: time.Now}
}

// RankedContext searches for candidates matching task, scores them, and splits
// them into ordinary bullets and warnings. A task matching nothing yields an
// empty context, not an error.
func (r *Ranker) RankedContext(ctx context.Context, task string, limit int) (*RankedContext, error) {
	if limit <= 0 {
		limit = DefaultContextLimit
	}

	pool, err := r.search.Search(ctx, task, "", max(4*limit, 20))
	if err != nil {
		return nil, fmt.Errorf("ranked context: %w", err)
	}

	now := r.Now()
	scored := make([]Bullet, 0, len(pool))
	for _, obs := range pool {
		scored = append(scored, Bullet{
			BulletID:      obs.BulletID(),
			ObservationID: obs.ID,
			Type:          obs.Type,
			Headline:      obs.Headline(),
			Narrative:     obs.Narrative,
			Facts:         obs.Facts,
			CreatedAt:     obs.CreatedAt,
			Confidence:    obs.ClampedConfidence(),
			Score:         r.calc.Calculate(obs, now),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ObservationID > scored[j].ObservationID
	})

	out := &RankedContext{
		Task:         task,
		Degraded:     DegradedLocalOnly,
		Bullets:      []Bullet{},
		AntiPatterns: []Bullet{},
		History:      []HistoryItem{},
	}
	for _, b := range scored {
		if b.Type.IsWarning() {
			if len(out.AntiPatterns) < limit {
				out.AntiPatterns = append(out.AntiPatterns, b)
			}
		} else if len(out.Bullets) < limit {
			out.Bullets = append(out.Bullets, b)
		}
	}

	historyLimit := max(2*limit, 10)
	for _, b := range scored[:min(historyLimit, len(scored))] {
		out.History = append(out.History, HistoryItem{
			BulletID:  b.BulletID,
			Type:      b.Type,
			Headline:  b.Headline,
			CreatedAt: b.CreatedAt,
		})
	}
	return out, nil
}
