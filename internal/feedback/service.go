// Package feedback records helpful/harmful signals on context bullets and
// promotes repeatedly harmful bullets into anti-pattern warnings.
package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	gormdb "github.com/thebtf/mnemo/internal/db/gorm"
	"github.com/thebtf/mnemo/pkg/models"
)

const instrumentationName = "github.com/thebtf/mnemo/internal/feedback"

// PromotionThreshold is the number of harmful marks that triggers promotion.
const PromotionThreshold = 3

// Rating is the verdict carried by a feedback mark.
type Rating string

const (
	RatingHelpful Rating = "helpful"
	RatingHarmful Rating = "harmful"
)

// ParseRating normalizes a rating string. Unknown values return ok=false.
func ParseRating(s string) (Rating, bool) {
	switch Rating(strings.ToLower(strings.TrimSpace(s))) {
	case RatingHelpful:
		return RatingHelpful, true
	case RatingHarmful:
		return RatingHarmful, true
	default:
		return "", false
	}
}

func (r Rating) observationType() models.ObservationType {
	if r == RatingHarmful {
		return models.ObsTypeFeedbackHarmful
	}
	return models.ObsTypeFeedbackHelpful
}

// Store is the subset of the observation store used by the service.
type Store interface {
	Create(ctx context.Context, params models.CreateParams) (*models.Observation, error)
	GetByID(ctx context.Context, id int64) (*models.Observation, error)
	CountFeedback(ctx context.Context, bulletID string) (*gormdb.FeedbackCounts, error)
	HasAntiPattern(ctx context.Context, bulletID string) (bool, error)
}

// MarkOptions carries the verdict and optional reason of a mark.
type MarkOptions struct {
	Rating Rating
	Reason string
}

// MarkResult is the outcome of a mark.
type MarkResult struct {
	Feedback *models.Observation `json:"feedback"`
	Promoted *models.Observation `json:"promoted,omitempty"`
}

// Service records feedback and runs anti-pattern promotion.
type Service struct {
	store          Store
	log            zerolog.Logger
	meter          metric.Meter
	markCounter    metric.Int64Counter
	promoteCounter metric.Int64Counter
	failureCounter metric.Int64Counter
	threshold      int
}

// NewService creates a feedback service.
func NewService(store Store, log zerolog.Logger) *Service {
	s := &Service{
		store:     store,
		log:       log.With().Str("component", "feedback").Logger(),
		meter:     otel.Meter(instrumentationName),
		threshold: PromotionThreshold,
	}
	s.initMetrics()
	return s
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Service) initMetrics() {
	var err error

	s.markCounter, err = s.meter.Int64Counter(
		"mnemo.feedback.marks_total",
		metric.WithDescription("Total number of feedback marks recorded"),
		metric.WithUnit("{mark}"),
	)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to create mark counter")
	}

	s.promoteCounter, err = s.meter.Int64Counter(
		"mnemo.feedback.promotions_total",
		metric.WithDescription("Total number of anti-patterns promoted from feedback"),
		metric.WithUnit("{promotion}"),
	)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to create promotion counter")
	}

	s.failureCounter, err = s.meter.Int64Counter(
		"mnemo.feedback.promotion_failures_total",
		metric.WithDescription("Total number of swallowed promotion failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to create promotion failure counter")
	}
}

// Mark writes a feedback observation referencing bulletID. An empty bullet id
// or an unknown rating yields (nil, nil). Harmful marks may promote the bullet
// into an anti-pattern; promotion failures are logged and never returned.
func (s *Service) Mark(ctx context.Context, bulletID string, opts MarkOptions) (*MarkResult, error) {
	bulletID = strings.TrimSpace(bulletID)
	if bulletID == "" {
		return nil, nil
	}
	if opts.Rating != RatingHelpful && opts.Rating != RatingHarmful {
		return nil, nil
	}

	narrative := strings.TrimSpace(opts.Reason)
	if narrative == "" {
		narrative = fmt.Sprintf("Marked %s: %s", opts.Rating, bulletID)
	}

	fb, err := s.store.Create(ctx, models.CreateParams{
		Type:      opts.Rating.observationType(),
		Narrative: narrative,
		Facts:     []string{bulletID},
	})
	if err != nil {
		return nil, fmt.Errorf("record feedback: %w", err)
	}
	if s.markCounter != nil {
		s.markCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("rating", string(opts.Rating))))
	}

	result := &MarkResult{Feedback: fb}
	if opts.Rating != RatingHarmful {
		return result, nil
	}

	promoted, err := s.maybePromote(ctx, bulletID, opts.Reason)
	if err != nil {
		s.log.Warn().Err(err).Str("bullet_id", bulletID).Msg("Anti-pattern promotion failed")
		if s.failureCounter != nil {
			s.failureCounter.Add(ctx, 1)
		}
		return result, nil
	}
	result.Promoted = promoted
	return result, nil
}

// maybePromote creates an anti-pattern for bulletID when harmful feedback
// reaches the threshold, outweighs helpful feedback, and no anti-pattern for
// the bullet exists yet. Returns (nil, nil) when no promotion happens.
func (s *Service) maybePromote(ctx context.Context, bulletID, reason string) (*models.Observation, error) {
	counts, err := s.store.CountFeedback(ctx, bulletID)
	if err != nil {
		return nil, err
	}
	if counts.Harmful < int64(s.threshold) || counts.Harmful <= counts.Helpful {
		return nil, nil
	}

	exists, err := s.store.HasAntiPattern(ctx, bulletID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	sourceID, err := models.ParseBulletID(bulletID)
	if err != nil {
		return nil, err
	}
	source, err := s.store.GetByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("source observation %d not found", sourceID)
	}

	narrative := ToWarning(source.Narrative) + provenance(bulletID, counts, reason)
	concepts := append([]string{"anti-pattern"}, withoutConcept(source.Concepts, "anti-pattern")...)

	promoted, err := s.store.Create(ctx, models.CreateParams{
		Type:      models.ObsTypeAntiPattern,
		Narrative: narrative,
		Facts: []string{
			bulletID,
			fmt.Sprintf("source:%d", source.ID),
			fmt.Sprintf("harmful:%d", counts.Harmful),
			fmt.Sprintf("helpful:%d", counts.Helpful),
		},
		Confidence:    models.Float64(PromotedConfidence(counts.Harmful)),
		FilesRead:     source.FilesRead,
		FilesModified: source.FilesModified,
		Concepts:      concepts,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("bullet_id", bulletID).
		Int64("anti_pattern_id", promoted.ID).
		Int64("harmful", counts.Harmful).
		Int64("helpful", counts.Helpful).
		Msg("Promoted bullet to anti-pattern")
	if s.promoteCounter != nil {
		s.promoteCounter.Add(ctx, 1)
	}
	return promoted, nil
}

// PromotedConfidence is the confidence of an anti-pattern promoted after harmful marks.
func PromotedConfidence(harmful int64) float64 {
	return min(1.0, 0.6+0.05*float64(harmful))
}

func provenance(bulletID string, counts *gormdb.FeedbackCounts, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\nSource: %s (harmful=%d, helpful=%d)", bulletID, counts.Harmful, counts.Helpful)
	if reason = strings.TrimSpace(reason); reason != "" {
		fmt.Fprintf(&b, "\nLatest reason: %s", reason)
	}
	return b.String()
}

func withoutConcept(concepts []string, drop string) []string {
	out := make([]string, 0, len(concepts))
	for _, c := range concepts {
		if c != drop {
			out = append(out, c)
		}
	}
	return out
}
