package beads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/mnemo/pkg/models"
)

const instrumentationName = "github.com/thebtf/mnemo/internal/beads"

// DefaultNamespace prefixes external references written by the bridge.
const DefaultNamespace = "mnemo"

// sessionEscaper keeps a session id free of bare separators, so the prefix
// "ns:<session>:" never matches another session's references.
var sessionEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// ExternalRef builds the external reference for a session todo.
// Colons and backslashes in the session id are backslash-escaped.
func ExternalRef(namespace, sessionID, todoID string) string {
	return namespace + ":" + sessionEscaper.Replace(sessionID) + ":" + todoID
}

// ObservationStore is the subset of the observation store used by the bridge.
type ObservationStore interface {
	Create(ctx context.Context, params models.CreateParams) (*models.Observation, error)
	LinkToTask(ctx context.Context, id int64, beadID string) (bool, error)
	ListLinkedByTypes(ctx context.Context, types ...models.ObservationType) ([]*models.Observation, error)
	ExistsForTask(ctx context.Context, beadID string, typ models.ObservationType, narrative string) (bool, error)
	LinkIssue(ctx context.Context, issueID string, observationID int64) (bool, error)
}

// SyncOptions controls a todo sync run.
type SyncOptions struct {
	// CloseMissing closes issues of the session whose todo is absent from the list.
	CloseMissing bool
}

// PassResult summarizes a one-way pass between the stores.
type PassResult struct {
	Reason    string `json:"reason,omitempty"`
	Processed int    `json:"processed"`
	Changed   int    `json:"changed"`
	Skipped   bool   `json:"skipped"`
}

// Bridge keeps the issue store consistent with session todos and observations.
type Bridge struct {
	obs       ObservationStore
	log       zerolog.Logger
	meter     metric.Meter
	issueOps  metric.Int64Counter
	now       func() time.Time
	beadsDir  string
	namespace string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithNamespace sets the external reference namespace.
func WithNamespace(ns string) Option {
	return func(b *Bridge) {
		if ns != "" {
			b.namespace = ns
		}
	}
}

// WithClock sets the clock used for issue timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBridge creates a bridge between obs and the issue store in beadsDir.
func NewBridge(obs ObservationStore, beadsDir string, log zerolog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		obs:       obs,
		beadsDir:  beadsDir,
		namespace: DefaultNamespace,
		now:       time.Now,
		log:       log.With().Str("component", "beads").Logger(),
		meter:     otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(b)
	}

	var err error
	b.issueOps, err = b.meter.Int64Counter(
		"mnemo.beads.issue_changes_total",
		metric.WithDescription("Total number of issues created, updated or closed by todo sync"),
		metric.WithUnit("{issue}"),
	)
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to create issue change counter")
	}
	return b
}

// SyncTodos upserts one issue per todo of the session, keyed by external
// reference. An empty session id yields (nil, nil); a missing issue store
// yields a skipped result.
func (b *Bridge) SyncTodos(ctx context.Context, sessionID string, todos []models.Todo, opts SyncOptions) (*models.SyncResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil
	}

	result := &models.SyncResult{}
	err := WithIssueStore(ctx, b.beadsDir, func(ctx context.Context, store *IssueStore) error {
		return b.syncTodos(ctx, store, sessionID, todos, opts, result)
	})
	if errors.Is(err, ErrNotInitialized) {
		b.log.Debug().Err(err).Msg("Issue store absent, todo sync skipped")
		return &models.SyncResult{Skipped: true, Reason: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	b.count(ctx, "created", result.Created)
	b.count(ctx, "updated", result.Updated)
	b.count(ctx, "closed", result.Closed)
	b.log.Info().
		Str("session_id", sessionID).
		Int("total", result.Total).
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("closed", result.Closed).
		Msg("Todos synced to issue store")
	return result, nil
}

func (b *Bridge) syncTodos(ctx context.Context, store *IssueStore, sessionID string, todos []models.Todo, opts SyncOptions, result *models.SyncResult) error {
	tx, err := store.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin todo sync: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := refStatuses(ctx, tx, ExternalRef(b.namespace, sessionID, ""))
	if err != nil {
		return err
	}
	before := make(map[string]models.IssueStatus, len(existing))
	for ref, st := range existing {
		before[ref] = st
	}

	now := b.now().UTC()
	ts := now.Format(time.RFC3339)
	seen := make(map[string]struct{}, len(todos))

	for _, todo := range todos {
		ref := ExternalRef(b.namespace, sessionID, todo.Key())
		status := todo.IssueStatus()
		issue := &models.Issue{
			ID:          issueID(store.prefix, ref),
			Title:       todoTitle(todo),
			Description: todoDescription(todo, sessionID),
			Status:      status,
			Priority:    todo.IssuePriority(),
			CreatedAt:   ts,
			UpdatedAt:   ts,
			ExternalRef: &ref,
		}
		if status == models.IssueStatusClosed {
			issue.ClosedAt = &ts
		}
		if err := upsertIssue(ctx, tx, issue); err != nil {
			return err
		}

		prev, existed := existing[ref]
		if existed {
			result.Updated++
		} else {
			result.Created++
		}
		if status == models.IssueStatusClosed && prev != models.IssueStatusClosed {
			result.Closed++
		}
		existing[ref] = status
		seen[ref] = struct{}{}
		result.Total++
	}

	if opts.CloseMissing {
		var missing []string
		for ref, st := range before {
			if _, ok := seen[ref]; !ok && st != models.IssueStatusClosed {
				missing = append(missing, ref)
			}
		}
		sort.Strings(missing)
		closed, err := closeRefs(ctx, tx, missing, now)
		if err != nil {
			return err
		}
		result.Closed += int(closed)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit todo sync: %w", err)
	}
	return nil
}

// LinkObservationToTask records an issue key on an observation. The key is not validated.
func (b *Bridge) LinkObservationToTask(ctx context.Context, observationID int64, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, nil
	}
	return b.obs.LinkToTask(ctx, observationID, key)
}

// SyncObservationsIntoIssues links blocker and decision observations to the
// issues named by their issue key. Links are only added, never rewritten.
func (b *Bridge) SyncObservationsIntoIssues(ctx context.Context) (*PassResult, error) {
	linked, err := b.obs.ListLinkedByTypes(ctx, models.ObsTypeBlocker, models.ObsTypeDecision)
	if err != nil {
		return nil, err
	}

	result := &PassResult{}
	err = WithIssueStore(ctx, b.beadsDir, func(ctx context.Context, store *IssueStore) error {
		for _, obs := range linked {
			result.Processed++
			issue, err := store.GetByID(ctx, *obs.BeadID)
			if err != nil {
				return err
			}
			if issue == nil {
				b.log.Debug().Int64("observation_id", obs.ID).Str("bead_id", *obs.BeadID).Msg("Linked issue not found")
				continue
			}
			added, err := b.obs.LinkIssue(ctx, issue.ID, obs.ID)
			if err != nil {
				return err
			}
			if added {
				result.Changed++
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotInitialized) {
		return &PassResult{Skipped: true, Reason: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SyncIssuesIntoObservations writes a progress observation for every closed
// issue that does not have one yet.
func (b *Bridge) SyncIssuesIntoObservations(ctx context.Context) (*PassResult, error) {
	result := &PassResult{}
	err := WithIssueStore(ctx, b.beadsDir, func(ctx context.Context, store *IssueStore) error {
		closed, err := store.ListByStatus(ctx, models.IssueStatusClosed)
		if err != nil {
			return err
		}
		for _, issue := range closed {
			result.Processed++
			narrative := "Completed: " + issue.Title
			exists, err := b.obs.ExistsForTask(ctx, issue.ID, models.ObsTypeProgress, narrative)
			if err != nil {
				return err
			}
			if exists {
				continue
			}

			facts := []string{"issue:" + issue.ID}
			if issue.ExternalRef != nil {
				facts = append(facts, "ref:"+*issue.ExternalRef)
			}
			if _, err := b.obs.Create(ctx, models.CreateParams{
				Type:      models.ObsTypeProgress,
				Narrative: narrative,
				Facts:     facts,
				Concepts:  []string{"issue-sync"},
				BeadID:    models.String(issue.ID),
			}); err != nil {
				return err
			}
			result.Changed++
		}
		return nil
	})
	if errors.Is(err, ErrNotInitialized) {
		return &PassResult{Skipped: true, Reason: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Bridge) count(ctx context.Context, op string, n int) {
	if b.issueOps == nil || n == 0 {
		return
	}
	b.issueOps.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
}

// issueID derives a stable issue id from an external reference.
func issueID(prefix, ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return prefix + "-" + hex.EncodeToString(sum[:])[:8]
}

func todoTitle(t models.Todo) string {
	title := strings.TrimSpace(t.Content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if title == "" {
		return "(untitled todo " + t.Key() + ")"
	}
	return title
}

func todoDescription(t models.Todo, sessionID string) string {
	return fmt.Sprintf("%s\n\nSynced from session %s, todo %s.", strings.TrimSpace(t.Content), sessionID, t.Key())
}
