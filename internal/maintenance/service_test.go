package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/db/gorm"
	"github.com/thebtf/mnemo/pkg/models"
)

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	store   *gorm.Store
	obs     *gorm.ObservationStore
	svc     *Service
	now     time.Time
	clockAt time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.clockAt = s.now

	store, err := gorm.NewStore(gorm.Config{Dir: s.T().TempDir(), LogLevel: logger.Silent})
	s.Require().NoError(err)
	s.store = store
	s.obs = gorm.NewObservationStore(store, gorm.WithClock(func() time.Time { return s.clockAt }))
	s.svc = NewService(store, s.obs, config.Default(), zerolog.Nop())
	s.svc.SetClock(func() time.Time { return s.now })
}

func (s *ServiceSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *ServiceSuite) createAt(at time.Time, typ models.ObservationType, params models.CreateParams) *models.Observation {
	s.clockAt = at
	params.Type = typ
	if params.Narrative == "" {
		params.Narrative = "note " + at.Format(time.RFC3339)
	}
	obs, err := s.obs.Create(s.ctx, params)
	s.Require().NoError(err)
	s.Require().NotNil(obs)
	return obs
}

func (s *ServiceSuite) TestArchive_DryRunIsReadOnly() {
	s.createAt(s.now.AddDate(0, 0, -200), models.ObsTypeLearning, models.CreateParams{})
	s.createAt(s.now.AddDate(0, 0, -120), models.ObsTypeDecision, models.CreateParams{})
	s.createAt(s.now.AddDate(0, 0, -5), models.ObsTypeProgress, models.CreateParams{})

	res, err := s.svc.Archive(s.ctx, 90, true)
	s.Require().NoError(err)
	s.True(res.DryRun)
	s.Equal(int64(2), res.Count)

	total, err := s.obs.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(3), total, "dry run must not delete")

	res, err = s.svc.Archive(s.ctx, 90, false)
	s.Require().NoError(err)
	s.Equal(int64(2), res.Count)

	after, err := s.obs.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(total-res.Count, after)
}

func (s *ServiceSuite) TestArchive_ZeroDaysCoversEverythingBeforeNow() {
	s.createAt(s.now.Add(-time.Hour), models.ObsTypeProgress, models.CreateParams{})
	s.createAt(s.now.AddDate(0, 0, -10), models.ObsTypeLearning, models.CreateParams{})

	res, err := s.svc.Archive(s.ctx, 0, true)
	s.Require().NoError(err)
	s.Equal(int64(2), res.Count)
	s.Equal(s.now.Format(time.RFC3339), res.Cutoff)

	total, err := s.obs.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), total)

	deleted, err := s.svc.Archive(s.ctx, 0, false)
	s.Require().NoError(err)
	s.Equal(res.Count, deleted.Count)

	after, err := s.obs.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(total-res.Count, after)
}

func (s *ServiceSuite) TestArchive_NegativeDaysUsesConfig() {
	s.createAt(s.now.AddDate(0, 0, -120), models.ObsTypeDecision, models.CreateParams{})
	s.createAt(s.now.AddDate(0, 0, -5), models.ObsTypeProgress, models.CreateParams{})

	res, err := s.svc.Archive(s.ctx, -1, true)
	s.Require().NoError(err)
	s.Equal(int64(1), res.Count)
	s.Equal(s.now.AddDate(0, 0, -config.DefaultArchiveDays).Format(time.RFC3339), res.Cutoff)
}

func (s *ServiceSuite) TestReadOnlyStoreRefusesMutations() {
	s.createAt(s.now.AddDate(0, 0, -200), models.ObsTypeLearning, models.CreateParams{})

	ro, err := gorm.NewStore(gorm.Config{Dir: filepath.Dir(s.store.Path()), ReadOnly: true, LogLevel: logger.Silent})
	s.Require().NoError(err)
	defer ro.Close()
	svc := NewService(ro, gorm.NewObservationStore(ro), config.Default(), zerolog.Nop())
	svc.SetClock(func() time.Time { return s.now })

	res, err := svc.Archive(s.ctx, 90, true)
	s.Require().NoError(err)
	s.Equal(int64(1), res.Count)

	_, err = svc.Archive(s.ctx, 90, false)
	s.ErrorIs(err, ErrReadOnly)
	_, err = svc.PurgeExpired(s.ctx, false)
	s.ErrorIs(err, ErrReadOnly)
	_, err = svc.Wipe(s.ctx)
	s.ErrorIs(err, ErrReadOnly)
	_, err = svc.Checkpoint(s.ctx)
	s.ErrorIs(err, ErrReadOnly)
	_, err = svc.Vacuum(s.ctx)
	s.ErrorIs(err, ErrReadOnly)

	total, err := s.obs.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), total)
}

func (s *ServiceSuite) TestArchive_RemovesFromSearch() {
	s.createAt(s.now.AddDate(0, 0, -400), models.ObsTypeLearning, models.CreateParams{Narrative: "ancient flamingo trick"})

	results, err := s.obs.Search(s.ctx, "flamingo", "", 10)
	s.Require().NoError(err)
	s.Len(results, 1)

	_, err = s.svc.Archive(s.ctx, -1, false)
	s.Require().NoError(err)

	results, err = s.obs.Search(s.ctx, "flamingo", "", 10)
	s.Require().NoError(err)
	s.Empty(results)
}

func (s *ServiceSuite) TestPurgeExpired() {
	past := s.now.Add(-time.Hour).Format(time.RFC3339)
	future := s.now.Add(time.Hour).Format(time.RFC3339)
	s.createAt(s.now, models.ObsTypeHandoff, models.CreateParams{ExpiresAt: &past})
	s.createAt(s.now, models.ObsTypeHandoff, models.CreateParams{ExpiresAt: &future})
	s.createAt(s.now, models.ObsTypeHandoff, models.CreateParams{})

	res, err := s.svc.PurgeExpired(s.ctx, true)
	s.Require().NoError(err)
	s.Equal(int64(1), res.Count)

	res, err = s.svc.PurgeExpired(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(int64(1), res.Count)

	total, err := s.obs.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), total)
}

func (s *ServiceSuite) TestStatus() {
	past := s.now.Add(-time.Minute).Format(time.RFC3339)
	s.createAt(s.now, models.ObsTypeDecision, models.CreateParams{})
	s.createAt(s.now, models.ObsTypeDecision, models.CreateParams{ExpiresAt: &past})
	s.createAt(s.now, models.ObsTypeBlocker, models.CreateParams{})

	st, err := s.svc.Status(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(3), st.Total)
	s.Equal(int64(2), st.ByType[models.ObsTypeDecision])
	s.Equal(int64(1), st.ByType[models.ObsTypeBlocker])
	s.Equal(int64(1), st.Expired)
	s.Equal(s.store.Path(), st.Path)
	s.Positive(st.Size)
}

func (s *ServiceSuite) TestCheckpoint_CopiesStore() {
	s.createAt(s.now, models.ObsTypeLearning, models.CreateParams{})

	path, err := s.svc.Checkpoint(s.ctx)
	s.Require().NoError(err)
	s.Equal(filepath.Join(filepath.Dir(s.store.Path()), "observations.checkpoint-20250601-120000.db"), path)

	info, err := os.Stat(path)
	s.Require().NoError(err)
	s.Positive(info.Size())

	_, err = s.svc.Checkpoint(s.ctx)
	s.Error(err, "an existing checkpoint is never overwritten")
}

func (s *ServiceSuite) TestVacuum_ReturnsSize() {
	s.createAt(s.now, models.ObsTypeLearning, models.CreateParams{})

	size, err := s.svc.Vacuum(s.ctx)
	s.Require().NoError(err)
	s.Positive(size)
}

func (s *ServiceSuite) TestWipe() {
	s.createAt(s.now, models.ObsTypeLearning, models.CreateParams{})
	s.createAt(s.now, models.ObsTypeBlocker, models.CreateParams{})

	deleted, err := s.svc.Wipe(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), deleted)

	total, err := s.obs.Count(s.ctx)
	s.Require().NoError(err)
	s.Zero(total)
	s.Equal(int64(2), s.svc.Stats()["total_deleted"])
}
