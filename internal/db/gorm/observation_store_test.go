package gorm

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/mnemo/pkg/models"
)

// testObservationStore creates an ObservationStore with a temporary database for testing.
func testObservationStore(t *testing.T, opts ...ObservationStoreOption) (*ObservationStore, *Store) {
	t.Helper()

	store, err := NewStore(Config{Dir: t.TempDir(), LogLevel: logger.Silent})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewObservationStore(store, opts...), store
}

func mustCreate(t *testing.T, s *ObservationStore, typ models.ObservationType, narrative string, mutate ...func(*models.CreateParams)) *models.Observation {
	t.Helper()
	params := models.CreateParams{Type: typ, Narrative: narrative}
	for _, m := range mutate {
		m(&params)
	}
	obs, err := s.Create(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, obs)
	return obs
}

func TestObservationStore_CreateReturnsFullRecord(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	obs, err := s.Create(ctx, models.CreateParams{
		Type:          models.ObsTypeDecision,
		Narrative:     "Use WAL mode\nreaders never block the writer",
		Facts:         []string{"wal", `quote " inside`},
		FilesModified: []string{"store.go"},
		Confidence:    models.Float64(0.7),
		BeadID:        models.String("bd-1"),
	})
	require.NoError(t, err)
	require.NotNil(t, obs)

	assert.Greater(t, obs.ID, int64(0))
	assert.Equal(t, "Use WAL mode", obs.Headline())
	assert.Equal(t, models.JSONStringArray{"wal", `quote " inside`}, obs.Facts)
	assert.Equal(t, models.JSONStringArray{}, obs.FilesRead)
	assert.Equal(t, models.JSONStringArray{}, obs.Concepts)
	assert.InDelta(t, 0.7, obs.Confidence, 1e-9)
	require.NotNil(t, obs.BeadID)
	assert.Equal(t, "bd-1", *obs.BeadID)
	assert.Nil(t, obs.ExpiresAt)

	_, err = time.Parse(time.RFC3339, obs.CreatedAt)
	assert.NoError(t, err)

	got, err := s.GetByID(ctx, obs.ID)
	require.NoError(t, err)
	assert.Equal(t, obs.Facts, got.Facts)
	assert.Equal(t, obs.FilesModified, got.FilesModified)
	assert.Equal(t, obs.CreatedAtEpoch, got.CreatedAtEpoch)
}

func TestObservationStore_CreateDefaults(t *testing.T) {
	s, _ := testObservationStore(t)

	obs := mustCreate(t, s, models.ObsTypeLearning, "defaults")
	assert.Equal(t, 1.0, obs.Confidence)
	assert.Nil(t, obs.BeadID)

	zero := mustCreate(t, s, models.ObsTypeLearning, "zero confidence", func(p *models.CreateParams) {
		p.Confidence = models.Float64(0)
	})
	got, err := s.GetByID(context.Background(), zero.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Confidence)
}

func TestObservationStore_CreateValidation(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	obs, err := s.Create(ctx, models.CreateParams{Type: models.ObsTypeDecision})
	assert.NoError(t, err)
	assert.Nil(t, obs)

	obs, err = s.Create(ctx, models.CreateParams{Narrative: "no type"})
	assert.NoError(t, err)
	assert.Nil(t, obs)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestObservationStore_CreateRedactsNarrativeOnly(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	facts := []string{"auth_token: abcdefghijklmnopqrstuvwxyz0123", "sk-abcdefghijklmnopqrstuvwxyz", "obs-3"}
	obs := mustCreate(t, s, models.ObsTypeBlocker, "CI needs api_key=abc123def456ghi789jkl012mno345pqr678 exported", func(p *models.CreateParams) {
		p.Facts = facts
	})
	assert.Equal(t, "CI needs api_key=[REDACTED] exported", obs.Narrative)

	got, err := s.GetByIDs(ctx, []int64{obs.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, obs.Narrative, got[0].Narrative)
	assert.Equal(t, models.JSONStringArray(facts), got[0].Facts)
}

func TestObservationStore_CreateAcceptsOpenTypes(t *testing.T) {
	s, _ := testObservationStore(t)

	obs := mustCreate(t, s, "custom_kind", "anything goes")
	assert.Equal(t, models.ObservationType("custom_kind"), obs.Type)
}

func TestObservationStore_IDsIncrease(t *testing.T) {
	s, _ := testObservationStore(t)

	a := mustCreate(t, s, models.ObsTypeProgress, "first")
	b := mustCreate(t, s, models.ObsTypeProgress, "second")
	assert.Greater(t, b.ID, a.ID)
}

func TestObservationStore_GetByIDMissing(t *testing.T) {
	s, _ := testObservationStore(t)

	obs, err := s.GetByID(context.Background(), 999)
	assert.NoError(t, err)
	assert.Nil(t, obs)
}

func TestObservationStore_GetByIDsOmitsUnknown(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, models.ObsTypeDecision, "a")
	b := mustCreate(t, s, models.ObsTypeDecision, "b")

	got, err := s.GetByIDs(ctx, []int64{b.ID, 12345, a.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, b.ID, got[1].ID)

	empty, err := s.GetByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestObservationStore_GetByType(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		mustCreate(t, s, models.ObsTypeBlocker, "blocked")
	}
	mustCreate(t, s, models.ObsTypeHandoff, "handoff")

	got, err := s.GetByType(ctx, models.ObsTypeBlocker, 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultListLimit)
	assert.Greater(t, got[0].ID, got[1].ID, "most recent first")

	got, err = s.GetByType(ctx, models.ObsTypeBlocker, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.GetByType(ctx, "unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestObservationStore_GetByExternalTask(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	mustCreate(t, s, models.ObsTypeDecision, "one", func(p *models.CreateParams) { p.BeadID = models.String("bd-7") })
	mustCreate(t, s, models.ObsTypeDecision, "other", func(p *models.CreateParams) { p.BeadID = models.String("bd-8") })
	last := mustCreate(t, s, models.ObsTypeBlocker, "two", func(p *models.CreateParams) { p.BeadID = models.String("bd-7") })

	got, err := s.GetByExternalTask(ctx, "bd-7")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, last.ID, got[0].ID)
}

func TestObservationStore_Timeline(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 10; i++ {
		ids = append(ids, mustCreate(t, s, models.ObsTypeProgress, "step").ID)
	}

	got, err := s.Timeline(ctx, ids[5], 2, 2)
	require.NoError(t, err)
	assert.Equal(t, ids[3:8], observationIDs(got))

	got, err = s.Timeline(ctx, ids[0], 3, 3)
	require.NoError(t, err)
	assert.Equal(t, ids[0:7], observationIDs(got), "edge window borrows from the other side")

	got, err = s.Timeline(ctx, ids[9], 0, 0)
	require.NoError(t, err)
	assert.Equal(t, ids[3:10], observationIDs(got), "defaults apply")
}

func TestObservationStore_TimelineMissingCenter(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustCreate(t, s, models.ObsTypeProgress, "step")
	}

	got, err := s.Timeline(ctx, 1000, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, observationIDs(got))
}

func TestSplitWindow(t *testing.T) {
	tests := []struct {
		name                  string
		haveBefore, haveAfter int
		before, after, cap    int
		wantBefore, wantAfter int
	}{
		{"plenty both sides", 10, 10, 3, 3, 6, 3, 3},
		{"short after", 10, 1, 3, 3, 6, 5, 1},
		{"short before", 0, 10, 3, 3, 6, 0, 6},
		{"center missing", 5, 0, 3, 3, 7, 5, 0},
		{"empty store", 0, 0, 3, 3, 7, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, a := splitWindow(tt.haveBefore, tt.haveAfter, tt.before, tt.after, tt.cap)
			assert.Equal(t, tt.wantBefore, b)
			assert.Equal(t, tt.wantAfter, a)
		})
	}
}

func TestObservationStore_LinkConceptIsIdempotent(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	obs := mustCreate(t, s, models.ObsTypeLearning, "cache invalidation")

	changed, err := s.LinkConcept(ctx, obs.ID, "caching")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.LinkConcept(ctx, obs.ID, "caching")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.LinkConcept(ctx, obs.ID, "performance")
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetByID(ctx, obs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JSONStringArray{"caching", "performance"}, got.Concepts)

	changed, err = s.LinkConcept(ctx, 9999, "caching")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestObservationStore_LinkToTask(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	obs := mustCreate(t, s, models.ObsTypeBlocker, "waiting on review")

	ok, err := s.LinkToTask(ctx, obs.ID, "bd-42")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetByExternalTask(ctx, "bd-42")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, obs.ID, got[0].ID)

	ok, err = s.LinkToTask(ctx, 9999, "bd-42")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestObservationStore_SearchOrdersByConfidenceThenRecency(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	low := mustCreate(t, s, models.ObsTypeLearning, "retry the flaky migration", func(p *models.CreateParams) { p.Confidence = models.Float64(0.2) })
	older := mustCreate(t, s, models.ObsTypeDecision, "migration runs inside a transaction")
	newer := mustCreate(t, s, models.ObsTypeDecision, "migration ladder is versioned")
	mustCreate(t, s, models.ObsTypeDecision, "unrelated narrative")

	got, err := s.Search(ctx, "migration", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{newer.ID, older.ID, low.ID}, observationIDs(got))

	got, err = s.Search(ctx, "migration", models.ObsTypeLearning, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{low.ID}, observationIDs(got))

	got, err = s.Search(ctx, "migration", "", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestObservationStore_SearchMatchesFactsAndType(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	withFact := mustCreate(t, s, models.ObsTypeLearning, "headline", func(p *models.CreateParams) {
		p.Facts = []string{"zerolog writes structured output"}
	})
	handoff := mustCreate(t, s, models.ObsTypeHandoff, "next steps")

	got, err := s.Search(ctx, "zerolog", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{withFact.ID}, observationIDs(got))

	got, err = s.Search(ctx, "handoff", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{handoff.ID}, observationIDs(got))
}

func TestObservationStore_SearchSeesRowsImmediately(t *testing.T) {
	s, _ := testObservationStore(t)

	obs := mustCreate(t, s, models.ObsTypeProgress, "checkpoint written")
	got, err := s.Search(context.Background(), "checkpoint", "", 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{obs.ID}, observationIDs(got))
}

func TestObservationStore_SearchNeutralizesQuerySyntax(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	mustCreate(t, s, models.ObsTypeLearning, "quote handling in parser")

	for _, q := range []string{`"unbalanced`, `parser AND OR NOT`, `NEAR(parser)`, `col:parser*`, `a b`, ``} {
		_, err := s.Search(ctx, q, "", 5)
		assert.NoError(t, err, q)
	}

	got, err := s.Search(ctx, "a b", "", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestObservationStore_CountFeedbackMatchesWholeBulletID(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	facts := func(f ...string) func(*models.CreateParams) {
		return func(p *models.CreateParams) { p.Facts = f }
	}
	mustCreate(t, s, models.ObsTypeFeedbackHarmful, "bad", facts("obs-1"))
	mustCreate(t, s, models.ObsTypeFeedbackHarmful, "bad", facts("obs-1"))
	mustCreate(t, s, models.ObsTypeFeedbackHelpful, "good", facts("obs-1"))
	mustCreate(t, s, models.ObsTypeFeedbackHarmful, "bad", facts("obs-12"))
	mustCreate(t, s, models.ObsTypeDecision, "not feedback", facts("obs-1"))

	counts, err := s.CountFeedback(ctx, "obs-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Harmful)
	assert.Equal(t, int64(1), counts.Helpful)

	counts, err = s.CountFeedback(ctx, "obs-12")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Harmful)
	assert.Zero(t, counts.Helpful)
}

func TestObservationStore_CountFeedbackEscapesWildcards(t *testing.T) {
	s, _ := testObservationStore(t)

	mustCreate(t, s, models.ObsTypeFeedbackHarmful, "bad", func(p *models.CreateParams) { p.Facts = []string{"obs-1x"} })

	counts, err := s.CountFeedback(context.Background(), "obs-1_")
	require.NoError(t, err)
	assert.Zero(t, counts.Harmful)
}

func TestObservationStore_HasAntiPattern(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	has, err := s.HasAntiPattern(ctx, "obs-3")
	require.NoError(t, err)
	assert.False(t, has)

	mustCreate(t, s, models.ObsTypeAntiPattern, "PITFALL: x", func(p *models.CreateParams) { p.Facts = []string{"obs-3", "source:3"} })

	has, err = s.HasAntiPattern(ctx, "obs-3")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestObservationStore_LinkIssue(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	obs := mustCreate(t, s, models.ObsTypeBlocker, "blocked on api")

	added, err := s.LinkIssue(ctx, "bd-1", obs.ID)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.LinkIssue(ctx, "bd-1", obs.ID)
	require.NoError(t, err)
	assert.False(t, added)

	links, err := s.IssueLinksFor(ctx, obs.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bd-1"}, links)
}

func TestObservationStore_ListLinkedByTypesAndExistsForTask(t *testing.T) {
	s, _ := testObservationStore(t)
	ctx := context.Background()

	bead := func(id string) func(*models.CreateParams) {
		return func(p *models.CreateParams) { p.BeadID = models.String(id) }
	}
	blocker := mustCreate(t, s, models.ObsTypeBlocker, "blocked", bead("bd-1"))
	mustCreate(t, s, models.ObsTypeBlocker, "unlinked")
	mustCreate(t, s, models.ObsTypeProgress, "Completed: x", bead("bd-1"))

	got, err := s.ListLinkedByTypes(ctx, models.ObsTypeBlocker, models.ObsTypeDecision)
	require.NoError(t, err)
	assert.Equal(t, []int64{blocker.ID}, observationIDs(got))

	exists, err := s.ExistsForTask(ctx, "bd-1", models.ObsTypeProgress, "Completed: x")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.ExistsForTask(ctx, "bd-2", models.ObsTypeProgress, "Completed: x")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestObservationStore_AdminCountsAndDeletes(t *testing.T) {
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, _ := testObservationStore(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	old := mustCreate(t, s, models.ObsTypeDecision, "old decision")
	_, err := s.LinkIssue(ctx, "bd-1", old.ID)
	require.NoError(t, err)

	clock = clock.Add(100 * 24 * time.Hour)
	mustCreate(t, s, models.ObsTypeDecision, "recent decision")
	mustCreate(t, s, models.ObsTypeLearning, "recent learning", func(p *models.CreateParams) {
		p.ExpiresAt = models.String("2025-02-01T00:00:00+02:00")
	})

	byType, err := s.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), byType[models.ObsTypeDecision])
	assert.Equal(t, int64(1), byType[models.ObsTypeLearning])

	cutoff := clock.Add(-90 * 24 * time.Hour)
	n, err := s.CountCreatedBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	deleted, err := s.DeleteCreatedBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	links, err := s.IssueLinksFor(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, links)

	expired, err := s.CountExpired(ctx, clock)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	deleted, err = s.DeleteExpired(ctx, clock)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	total, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	got, err := s.Search(ctx, "decision", "", 10)
	require.NoError(t, err)
	assert.Empty(t, got, "index follows deletes")
}

func TestStore_ReadOnlyMissingFile(t *testing.T) {
	_, err := NewStore(Config{Dir: t.TempDir(), ReadOnly: true, LogLevel: logger.Silent})
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestStore_ReadOnlyExistingFile(t *testing.T) {
	dir := t.TempDir()

	rw, err := NewStore(Config{Dir: dir, LogLevel: logger.Silent})
	require.NoError(t, err)
	mustCreate(t, NewObservationStore(rw), models.ObsTypeDecision, "persisted")
	require.NoError(t, rw.Close())

	ro, err := NewStore(Config{Dir: dir, ReadOnly: true, LogLevel: logger.Silent})
	require.NoError(t, err)
	defer ro.Close()
	assert.True(t, ro.ReadOnly())

	count, err := NewObservationStore(ro).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStore_CorruptFileIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DBFileName), bytes.Repeat([]byte("not a database "), 512), 0o600))

	_, err := NewStore(Config{Dir: dir, LogLevel: logger.Silent})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	err := WithStore(ctx, Config{Dir: dir, LogLevel: logger.Silent}, func(ctx context.Context, store *Store) error {
		_, err := NewObservationStore(store).Create(ctx, models.CreateParams{Type: models.ObsTypeDecision, Narrative: "first run"})
		return err
	})
	require.NoError(t, err)

	err = WithStore(ctx, Config{Dir: dir, LogLevel: logger.Silent}, func(ctx context.Context, store *Store) error {
		got, err := NewObservationStore(store).Search(ctx, "first run", "", 5)
		require.NoError(t, err)
		assert.Len(t, got, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_UpgradesLegacySchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DBFileName)

	legacy, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = legacy.Exec(`CREATE TABLE observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		narrative TEXT NOT NULL,
		facts TEXT NOT NULL DEFAULT '[]',
		confidence REAL NOT NULL DEFAULT 1.0,
		files_read TEXT NOT NULL DEFAULT '[]',
		files_modified TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		created_at_epoch INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	_, err = legacy.Exec(`INSERT INTO observations (type, narrative, created_at, created_at_epoch)
		VALUES ('learning', 'legacy row about gormigrate', '2024-01-01T00:00:00Z', 1704067200000)`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	store, err := NewStore(Config{Dir: dir, LogLevel: logger.Silent})
	require.NoError(t, err)
	defer store.Close()

	for _, col := range []string{"concepts", "bead_id", "expires_at"} {
		assert.True(t, store.DB.Migrator().HasColumn("observations", col), col)
	}

	s := NewObservationStore(store)
	got, err := s.Search(context.Background(), "gormigrate", "", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.JSONStringArray{}, got[0].Concepts)
	assert.Nil(t, got[0].BeadID)
}

func observationIDs(list []*models.Observation) []int64 {
	ids := make([]int64, 0, len(list))
	for _, o := range list {
		ids = append(ids, o.ID)
	}
	return ids
}
