package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/mnemo/internal/db/gorm"
	"github.com/thebtf/mnemo/internal/feedback"
	"github.com/thebtf/mnemo/internal/scoring"
	"github.com/thebtf/mnemo/pkg/models"
)

var (
	addType          string
	addFacts         []string
	addFilesRead     []string
	addFilesModified []string
	addConcepts      []string
	addConfidence    float64
	addBeadID        string
	addExpiresAt     string

	typeLimit      int
	searchLimit    int
	contextLimit   int
	searchType     string
	timelineBefore int
	timelineAfter  int
	markReason     string
)

func init() {
	rootCmd.AddCommand(addCmd, getCmd, typeCmd, taskCmd, timelineCmd, searchCmd, contextCmd, markCmd, conceptCmd, linkCmd)

	addCmd.Flags().StringVarP(&addType, "type", "t", "", "Observation type (decision, learning, blocker, progress, handoff, ...)")
	addCmd.Flags().StringSliceVar(&addFacts, "fact", nil, "Fact (repeatable)")
	addCmd.Flags().StringSliceVar(&addFilesRead, "read", nil, "File read (repeatable)")
	addCmd.Flags().StringSliceVar(&addFilesModified, "modified", nil, "File modified (repeatable)")
	addCmd.Flags().StringSliceVar(&addConcepts, "concept", nil, "Concept tag (repeatable)")
	addCmd.Flags().Float64Var(&addConfidence, "confidence", 1.0, "Confidence in [0,1]")
	addCmd.Flags().StringVar(&addBeadID, "bead", "", "Issue key to link")
	addCmd.Flags().StringVar(&addExpiresAt, "expires-at", "", "Advisory expiry (RFC3339)")
	_ = addCmd.MarkFlagRequired("type")

	typeCmd.Flags().IntVar(&typeLimit, "limit", gorm.DefaultListLimit, "Maximum number of observations")
	searchCmd.Flags().IntVar(&searchLimit, "limit", gorm.DefaultListLimit, "Maximum number of observations")
	searchCmd.Flags().StringVar(&searchType, "type", "", "Only match this observation type")
	contextCmd.Flags().IntVar(&contextLimit, "limit", 0, "Bullets per list (defaults to context_limit)")

	timelineCmd.Flags().IntVar(&timelineBefore, "before", gorm.DefaultTimelineBefore, "Observations before the center")
	timelineCmd.Flags().IntVar(&timelineAfter, "after", gorm.DefaultTimelineAfter, "Observations after the center")

	markCmd.Flags().StringVar(&markReason, "reason", "", "Why the bullet helped or hurt")
}

var addCmd = &cobra.Command{
	Use:   "add [narrative]",
	Short: "Record an observation",
	Long: `Record an observation. The narrative is taken from the arguments or stdin.

Examples:
  mnemo add --type decision "Use WAL mode" --fact "busy_timeout 5s" --concept sqlite
  echo "Login flow blocked on SSO" | mnemo add --type blocker --bead bd-1a2b3c4d`,
	RunE: runAdd,
}

var getCmd = &cobra.Command{
	Use:   "get <id>...",
	Short: "Show observations by id",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGet,
}

var typeCmd = &cobra.Command{
	Use:   "type <type>",
	Short: "List the most recent observations of a type",
	Args:  cobra.ExactArgs(1),
	RunE:  runType,
}

var taskCmd = &cobra.Command{
	Use:   "task <issue-key>",
	Short: "List observations linked to an issue",
	Args:  cobra.ExactArgs(1),
	RunE:  runTask,
}

var timelineCmd = &cobra.Command{
	Use:   "timeline <id>",
	Short: "Show observations around an id",
	Args:  cobra.ExactArgs(1),
	RunE:  runTimeline,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Full-text search observations",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var contextCmd = &cobra.Command{
	Use:   "context <task>...",
	Short: "Ranked context and warnings for a task",
	Long: `Search observations for a task and rank them by confidence, recency and type.
Anti-patterns and harmful feedback are listed separately as warnings.

Examples:
  mnemo context "migrate the session store"
  mnemo context --limit 5 --json "flaky integration tests"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runContext,
}

var markCmd = &cobra.Command{
	Use:   "mark <bullet-id> <helpful|harmful>",
	Short: "Record feedback on a context bullet",
	Long: `Record feedback on a bullet returned by "mnemo context". Repeated harmful
feedback promotes the source observation into an anti-pattern warning.

Examples:
  mnemo mark obs-12 helpful
  mnemo mark obs-12 harmful --reason "advice skipped input validation"`,
	Args: cobra.ExactArgs(2),
	RunE: runMark,
}

var conceptCmd = &cobra.Command{
	Use:   "concept <id> <concept>",
	Short: "Tag an observation with a concept",
	Args:  cobra.ExactArgs(2),
	RunE:  runConcept,
}

var linkCmd = &cobra.Command{
	Use:   "link <id> <issue-key>",
	Short: "Link an observation to an issue",
	Args:  cobra.ExactArgs(2),
	RunE:  runLink,
}

func runAdd(cmd *cobra.Command, args []string) error {
	narrative := strings.Join(args, " ")
	if strings.TrimSpace(narrative) == "" {
		data, err := readInput("-")
		if err != nil {
			return err
		}
		narrative = strings.TrimSpace(string(data))
	}

	params := models.CreateParams{
		Type:          models.ObservationType(addType),
		Narrative:     narrative,
		Facts:         addFacts,
		FilesRead:     addFilesRead,
		FilesModified: addFilesModified,
		Concepts:      addConcepts,
		Confidence:    models.Float64(addConfidence),
	}
	if addBeadID != "" {
		params.BeadID = models.String(addBeadID)
	}
	if addExpiresAt != "" {
		if _, err := time.Parse(time.RFC3339, addExpiresAt); err != nil {
			return fmt.Errorf("invalid --expires-at: %w", err)
		}
		params.ExpiresAt = models.String(addExpiresAt)
	}

	return withObservations(cmd.Context(), func(ctx context.Context, _ *gorm.Store, obs *gorm.ObservationStore) error {
		created, err := obs.Create(ctx, params)
		if err != nil {
			return err
		}
		if created == nil {
			return fmt.Errorf("type and narrative are required")
		}
		return emit(cmd, created, func(w io.Writer) {
			fmt.Fprintf(w, "Recorded %s\n", created.BulletID())
		})
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	return listReadOnly(cmd, func(ctx context.Context, obs *gorm.ObservationStore) ([]*models.Observation, error) {
		return obs.GetByIDs(ctx, ids)
	})
}

func runType(cmd *cobra.Command, args []string) error {
	return listReadOnly(cmd, func(ctx context.Context, obs *gorm.ObservationStore) ([]*models.Observation, error) {
		return obs.GetByType(ctx, models.ObservationType(args[0]), typeLimit)
	})
}

func runTask(cmd *cobra.Command, args []string) error {
	return listReadOnly(cmd, func(ctx context.Context, obs *gorm.ObservationStore) ([]*models.Observation, error) {
		return obs.GetByExternalTask(ctx, args[0])
	})
}

func runTimeline(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	return listReadOnly(cmd, func(ctx context.Context, obs *gorm.ObservationStore) ([]*models.Observation, error) {
		return obs.Timeline(ctx, id, timelineBefore, timelineAfter)
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	return listReadOnly(cmd, func(ctx context.Context, obs *gorm.ObservationStore) ([]*models.Observation, error) {
		return obs.Search(ctx, query, models.ObservationType(searchType), searchLimit)
	})
}

func runContext(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")
	limit := contextLimit
	if limit <= 0 {
		limit = cfg.ContextLimit
	}

	var ranked *scoring.RankedContext
	err := withReadOnlyObservations(cmd.Context(), func(ctx context.Context, obs *gorm.ObservationStore) error {
		var err error
		ranked, err = scoring.NewRanker(obs, nil).RankedContext(ctx, task, limit)
		return err
	})
	if noStore(err) {
		ranked, err = scoring.NewRanker(emptySearcher{}, nil).RankedContext(cmd.Context(), task, limit)
	}
	if err != nil {
		return err
	}

	return emit(cmd, ranked, func(w io.Writer) {
		if len(ranked.AntiPatterns) > 0 {
			fmt.Fprintln(w, "Warnings:")
			for _, b := range ranked.AntiPatterns {
				fmt.Fprintf(w, "  [%s] %s (score %.2f)\n", b.BulletID, b.Headline, b.Score)
			}
		}
		fmt.Fprintln(w, "Context:")
		if len(ranked.Bullets) == 0 {
			fmt.Fprintln(w, "  (no matching observations)")
		}
		for _, b := range ranked.Bullets {
			fmt.Fprintf(w, "  [%s] %s: %s (score %.2f)\n", b.BulletID, b.Type, b.Headline, b.Score)
		}
		if ranked.Degraded != "" {
			fmt.Fprintf(w, "Note: %s\n", ranked.Degraded)
		}
	})
}

func runMark(cmd *cobra.Command, args []string) error {
	rating, ok := feedback.ParseRating(args[1])
	if !ok {
		return fmt.Errorf("rating must be helpful or harmful, got %q", args[1])
	}

	return withObservations(cmd.Context(), func(ctx context.Context, _ *gorm.Store, obs *gorm.ObservationStore) error {
		res, err := feedback.NewService(obs, log.Logger).Mark(ctx, args[0], feedback.MarkOptions{Rating: rating, Reason: markReason})
		if err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("bullet id is required")
		}
		return emit(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "Recorded %s feedback as %s\n", rating, res.Feedback.BulletID())
			if res.Promoted != nil {
				fmt.Fprintf(w, "Promoted to anti-pattern %s\n", res.Promoted.BulletID())
			}
		})
	})
}

func runConcept(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	return withObservations(cmd.Context(), func(ctx context.Context, _ *gorm.Store, obs *gorm.ObservationStore) error {
		changed, err := obs.LinkConcept(ctx, id, args[1])
		if err != nil {
			return err
		}
		return emit(cmd, map[string]any{"id": id, "concept": args[1], "changed": changed}, func(w io.Writer) {
			fmt.Fprintf(w, "changed: %t\n", changed)
		})
	})
}

func runLink(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	return withObservations(cmd.Context(), func(ctx context.Context, _ *gorm.Store, obs *gorm.ObservationStore) error {
		linked, err := newBridge(obs).LinkObservationToTask(ctx, id, args[1])
		if err != nil {
			return err
		}
		return emit(cmd, map[string]any{"id": id, "issue": args[1], "linked": linked}, func(w io.Writer) {
			fmt.Fprintf(w, "linked: %t\n", linked)
		})
	})
}

// listReadOnly runs a read query and prints the observations. A missing
// store prints an empty list.
func listReadOnly(cmd *cobra.Command, query func(ctx context.Context, obs *gorm.ObservationStore) ([]*models.Observation, error)) error {
	var list []*models.Observation
	err := withReadOnlyObservations(cmd.Context(), func(ctx context.Context, obs *gorm.ObservationStore) error {
		var err error
		list, err = query(ctx, obs)
		return err
	})
	if err != nil && !noStore(err) {
		return err
	}
	if list == nil {
		list = []*models.Observation{}
	}
	return emit(cmd, list, func(w io.Writer) { printObservations(w, list) })
}

func printObservations(w io.Writer, list []*models.Observation) {
	if len(list) == 0 {
		fmt.Fprintln(w, "(no observations)")
		return
	}
	for _, o := range list {
		age := o.CreatedAt
		if t, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
			age = humanize.Time(t)
		}
		fmt.Fprintf(w, "%-8s %-16s %s (confidence %.2f, %s)\n", o.BulletID(), o.Type, o.Headline(), o.ClampedConfidence(), age)
		if o.BeadID != nil {
			fmt.Fprintf(w, "         issue: %s\n", *o.BeadID)
		}
		if len(o.Concepts) > 0 {
			fmt.Fprintf(w, "         concepts: %s\n", strings.Join(o.Concepts, ", "))
		}
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(strings.TrimPrefix(a, models.BulletIDPrefix), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// emptySearcher stands in for a store that does not exist yet.
type emptySearcher struct{}

func (emptySearcher) Search(context.Context, string, models.ObservationType, int) ([]*models.Observation, error) {
	return nil, nil
}
