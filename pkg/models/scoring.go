package models

// TypeWeights contains the additive ranking bonus for each observation type.
var TypeWeights = map[ObservationType]float64{
	ObsTypeDecision:        0.16,
	ObsTypeLearning:        0.14,
	ObsTypeAntiPattern:     0.12,
	ObsTypeFeedbackHelpful: 0.10,
	ObsTypeFeedbackHarmful: 0.08,
	ObsTypeProgress:        0.04,
}

// DefaultTypeWeight applies to types missing from TypeWeights.
const DefaultTypeWeight = 0.02

// TypeWeight returns the ranking bonus for a type.
func TypeWeight(t ObservationType) float64 {
	if w, ok := TypeWeights[t]; ok {
		return w
	}
	return DefaultTypeWeight
}

// ScoringConfig holds the ranking formula parameters.
//
//	score = ConfidenceWeight·clamp(confidence) + RecencyWeight·exp(-ageDays/RecencyTauDays) + TypeWeight(type)
type ScoringConfig struct {
	// ConfidenceWeight scales the clamped confidence (default 0.55).
	ConfidenceWeight float64 `json:"confidence_weight" yaml:"confidence_weight"`
	// RecencyWeight scales the recency decay (default 0.35).
	RecencyWeight float64 `json:"recency_weight" yaml:"recency_weight"`
	// RecencyTauDays is the decay time constant in days (default 30).
	RecencyTauDays float64 `json:"recency_tau_days" yaml:"recency_tau_days"`
	// UnknownAgeDecay replaces the decay factor when created_at cannot be parsed (default 0.35).
	UnknownAgeDecay float64 `json:"unknown_age_decay" yaml:"unknown_age_decay"`
}

// DefaultScoringConfig returns the default ranking parameters.
func DefaultScoringConfig() *ScoringConfig {
	return &ScoringConfig{
		ConfidenceWeight: 0.55,
		RecencyWeight:    0.35,
		RecencyTauDays:   30,
		UnknownAgeDecay:  0.35,
	}
}
