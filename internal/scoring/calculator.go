// Package scoring ranks observations for context assembly.
package scoring

import (
	"math"
	"time"

	"github.com/thebtf/mnemo/pkg/models"
)

// Calculator computes ranking scores for observations.
type Calculator struct {
	config *models.ScoringConfig
}

// NewCalculator creates a new scoring calculator.
// If config is nil, uses the default configuration.
func NewCalculator(config *models.ScoringConfig) *Calculator {
	if config == nil {
		config = models.DefaultScoringConfig()
	}
	return &Calculator{config: config}
}

// ScoreComponents breaks down a ranking score.
type ScoreComponents struct {
	ConfidenceContrib float64 `json:"confidence_contrib"`
	RecencyDecay      float64 `json:"recency_decay"`
	RecencyContrib    float64 `json:"recency_contrib"`
	TypeWeight        float64 `json:"type_weight"`
	AgeDays           float64 `json:"age_days"`
	FinalScore        float64 `json:"final_score"`
	AgeKnown          bool    `json:"age_known"`
}

// Calculate computes the ranking score for an observation at the given time.
func (c *Calculator) Calculate(obs *models.Observation, now time.Time) float64 {
	return c.CalculateComponents(obs, now).FinalScore
}

// CalculateComponents returns the individual components of the ranking score.
//
//	FinalScore = ConfidenceWeight·clamp(confidence) + RecencyWeight·decay + TypeWeight
//
// decay is exp(-ageDays/tau) when created_at parses, otherwise UnknownAgeDecay.
func (c *Calculator) CalculateComponents(obs *models.Observation, now time.Time) ScoreComponents {
	// 1. Get base type weight
	comp := ScoreComponents{
		TypeWeight: models.TypeWeight(obs.Type),
	}

	// 2. Confidence contribution: clamp(confidence) × weight
	comp.ConfidenceContrib = c.config.ConfidenceWeight * obs.ClampedConfidence()

	// 3. Recency decay: exp(-age_days / tau), future timestamps count as age 0
	comp.RecencyDecay = c.config.UnknownAgeDecay
	if created, err := time.Parse(time.RFC3339, obs.CreatedAt); err == nil {
		comp.AgeKnown = true
		comp.AgeDays = max(now.Sub(created).Hours()/24.0, 0)
		comp.RecencyDecay = math.Exp(-comp.AgeDays / c.config.RecencyTauDays)
	}

	// 4. Recency contribution: decay × weight
	comp.RecencyContrib = c.config.RecencyWeight * comp.RecencyDecay

	// 5. Final score: additive, never persisted
	comp.FinalScore = comp.ConfidenceContrib + comp.RecencyContrib + comp.TypeWeight
	return comp
}
