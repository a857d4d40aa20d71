// Package models contains domain models for mnemo.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ObservationType represents the type of observation.
// The set is open: any non-empty string is accepted by the store.
type ObservationType string

const (
	ObsTypeDecision        ObservationType = "decision"
	ObsTypeLearning        ObservationType = "learning"
	ObsTypeBlocker         ObservationType = "blocker"
	ObsTypeProgress        ObservationType = "progress"
	ObsTypeHandoff         ObservationType = "handoff"
	ObsTypeFeedbackHelpful ObservationType = "feedback_helpful"
	ObsTypeFeedbackHarmful ObservationType = "feedback_harmful"
	ObsTypeAntiPattern     ObservationType = "anti_pattern"
)

// AllObservationTypes lists the named observation types.
var AllObservationTypes = []ObservationType{
	ObsTypeDecision,
	ObsTypeLearning,
	ObsTypeBlocker,
	ObsTypeProgress,
	ObsTypeHandoff,
	ObsTypeFeedbackHelpful,
	ObsTypeFeedbackHarmful,
	ObsTypeAntiPattern,
}

// IsWarning reports whether the type is a feedback-derived warning.
func (t ObservationType) IsWarning() bool {
	return t == ObsTypeAntiPattern || t == ObsTypeFeedbackHarmful
}

// IsFeedback reports whether the type records a feedback signal.
func (t ObservationType) IsFeedback() bool {
	return t == ObsTypeFeedbackHelpful || t == ObsTypeFeedbackHarmful
}

// BulletIDPrefix prefixes observation ids when they are shown as context bullets.
const BulletIDPrefix = "obs-"

// Observation is a unit of agent memory.
type Observation struct {
	BeadID         *string         `json:"bead_id,omitempty"`
	ExpiresAt      *string         `json:"expires_at,omitempty"`
	Type           ObservationType `json:"type"`
	Narrative      string          `json:"narrative"`
	CreatedAt      string          `json:"created_at"`
	Facts          JSONStringArray `json:"facts"`
	FilesRead      JSONStringArray `json:"files_read"`
	FilesModified  JSONStringArray `json:"files_modified"`
	Concepts       JSONStringArray `json:"concepts"`
	ID             int64           `json:"id"`
	CreatedAtEpoch int64           `json:"created_at_epoch"`
	Confidence     float64         `json:"confidence"`
}

// Headline returns the first non-empty line of the narrative.
func (o *Observation) Headline() string {
	for _, line := range strings.Split(o.Narrative, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// ClampedConfidence returns the confidence limited to [0,1].
func (o *Observation) ClampedConfidence() float64 {
	return ClampConfidence(o.Confidence)
}

// BulletID returns the bullet id used to reference this observation in feedback.
func (o *Observation) BulletID() string {
	return BulletID(o.ID)
}

// ClampConfidence limits a confidence value to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// BulletID formats an observation id as a bullet id.
func BulletID(id int64) string {
	return BulletIDPrefix + strconv.FormatInt(id, 10)
}

// ParseBulletID extracts the observation id from a bullet id of the form "obs-<id>".
func ParseBulletID(bulletID string) (int64, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(bulletID), BulletIDPrefix)
	if !ok {
		return 0, fmt.Errorf("bullet id %q: missing %q prefix", bulletID, BulletIDPrefix)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bullet id %q: invalid observation id", bulletID)
	}
	return id, nil
}

// CreateParams holds the caller-supplied fields of a new observation.
type CreateParams struct {
	Confidence    *float64
	BeadID        *string
	ExpiresAt     *string
	Type          ObservationType
	Narrative     string
	Facts         []string
	FilesRead     []string
	FilesModified []string
	Concepts      []string
}

// Valid reports whether the required fields are present.
func (p *CreateParams) Valid() bool {
	return strings.TrimSpace(string(p.Type)) != "" && strings.TrimSpace(p.Narrative) != ""
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
