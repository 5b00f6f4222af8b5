package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"goalpay/internal/goals/catalog"
	"goalpay/internal/goals/models"
	"goalpay/internal/goals/service/mocks"
	ledgerstore "goalpay/internal/goals/store/ledger"
	dErrors "goalpay/pkg/domain-errors"
	"goalpay/pkg/platform/sentinel"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]models.GoalDefinition{
		{Name: "Recycle", Reward: decimal.RequireFromString("5.00")},
		{Name: "Walk 10k steps", Reward: decimal.RequireFromString("2.50")},
		{Name: "Read a chapter", Reward: decimal.RequireFromString("1.25")},
		{Name: "Drink water", Reward: decimal.RequireFromString("0.75")},
		{Name: "Stretch", Reward: decimal.RequireFromString("1.10")},
		{Name: "Meditate", Reward: decimal.RequireFromString("3.00")},
	})
	require.NoError(t, err)
	return c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type LedgerServiceSuite struct {
	suite.Suite
	store   *ledgerstore.InMemoryStore
	catalog *catalog.Catalog
	service *LedgerService
}

func TestLedgerServiceSuite(t *testing.T) {
	suite.Run(t, new(LedgerServiceSuite))
}

func (s *LedgerServiceSuite) SetupTest() {
	s.store = ledgerstore.NewInMemory()
	s.catalog = testCatalog(s.T())
	s.service = NewLedgerService(s.store, s.catalog,
		WithLogger(discardLogger()),
		WithRandSource(rand.NewPCG(1, 2)),
	)
}

func (s *LedgerServiceSuite) TestAssign() {
	ctx := context.Background()

	s.Run("assigns n distinct catalog goals with a rounded total", func() {
		l, err := s.service.Assign(ctx, "alice", 4)
		s.Require().NoError(err)
		s.Equal(4, l.Count)
		s.Len(l.Goals, 4)

		seen := map[string]bool{}
		sum := decimal.Zero
		for _, g := range l.Goals {
			s.False(seen[g.Name], "duplicate goal %s", g.Name)
			seen[g.Name] = true
			sum = sum.Add(g.Reward)
		}
		s.True(l.TotalReward.Equal(sum.Round(2)))
	})

	s.Run("clamps n to the catalog size", func() {
		l, err := s.service.Assign(ctx, "bob", 50)
		s.Require().NoError(err)
		s.Equal(s.catalog.Len(), l.Count)
	})

	s.Run("zero goals is an empty ledger", func() {
		l, err := s.service.Assign(ctx, "carol", 0)
		s.Require().NoError(err)
		s.Equal(0, l.Count)
		s.True(l.TotalReward.IsZero())
	})

	s.Run("negative n is a validation error", func() {
		_, err := s.service.Assign(ctx, "dave", -1)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("reassignment replaces the ledger and advances the revision", func() {
		first, err := s.service.Assign(ctx, "erin", 2)
		s.Require().NoError(err)
		second, err := s.service.Assign(ctx, "erin", 5)
		s.Require().NoError(err)
		s.Equal(first.Revision+1, second.Revision)

		got, err := s.service.Get(ctx, "erin")
		s.Require().NoError(err)
		s.Equal(5, got.Count)
	})

	s.Run("does not disturb the catalog", func() {
		before := s.catalog.Goals()
		_, err := s.service.Assign(ctx, "frank", 3)
		s.Require().NoError(err)
		s.Equal(before, s.catalog.Goals())
	})
}

func (s *LedgerServiceSuite) TestAssignIsUniform() {
	ctx := context.Background()
	counts := map[string]int{}
	const rounds = 600
	for range rounds {
		l, err := s.service.Assign(ctx, "alice", 1)
		s.Require().NoError(err)
		counts[l.Goals[0].Name]++
	}
	s.Len(counts, s.catalog.Len(), "every goal is reachable")
	for name, n := range counts {
		s.InDelta(rounds/s.catalog.Len(), n, 50, "goal %s drawn %d times", name, n)
	}
}

func (s *LedgerServiceSuite) TestGet() {
	_, err := s.service.Get(context.Background(), "nobody")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *LedgerServiceSuite) TestRemove() {
	ctx := context.Background()
	assigned, err := s.service.Assign(ctx, "alice", 3)
	s.Require().NoError(err)
	target := assigned.Goals[1]

	s.Run("removes exactly one goal and recomputes totals", func() {
		l, err := s.service.Remove(ctx, "alice", target.Name)
		s.Require().NoError(err)
		s.Equal(assigned.Count-1, l.Count)
		s.True(l.TotalReward.Equal(models.SumRewards(l.Goals)))
		s.Equal(assigned.Revision+1, l.Revision)
		_, still := l.Find(target.Name)
		s.False(still)
	})

	s.Run("missing goal is surfaced and nothing is written", func() {
		before, err := s.service.Get(ctx, "alice")
		s.Require().NoError(err)

		_, err = s.service.Remove(ctx, "alice", target.Name)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		s.ErrorIs(err, ErrGoalNotPending)

		after, err := s.service.Get(ctx, "alice")
		s.Require().NoError(err)
		s.Equal(before.Revision, after.Revision)
	})

	s.Run("missing ledger is not found", func() {
		_, err := s.service.Remove(ctx, "nobody", "Recycle")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		s.NotErrorIs(err, ErrGoalNotPending)
	})
}

func (s *LedgerServiceSuite) TestStoreFailures() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockLedgerStore(ctrl)
	svc := NewLedgerService(store, s.catalog, WithLogger(discardLogger()))
	ctx := context.Background()

	s.Run("load failure is a persistence failure", func() {
		store.EXPECT().FindByUsername(gomock.Any(), "alice").Return(nil, errors.New("connection reset"))
		_, err := svc.Assign(ctx, "alice", 2)
		s.True(dErrors.HasCode(err, dErrors.CodePersistence))
	})

	s.Run("lost compare-and-swap is a conflict", func() {
		store.EXPECT().FindByUsername(gomock.Any(), "alice").Return(nil, sentinel.ErrNotFound)
		store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(sentinel.ErrConflict)
		_, err := svc.Assign(ctx, "alice", 2)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("first assignment is saved at revision 1", func() {
		store.EXPECT().FindByUsername(gomock.Any(), "bob").Return(nil, sentinel.ErrNotFound)
		store.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, l *models.Ledger) error {
			s.Equal(int64(1), l.Revision)
			s.Equal("bob", l.Username)
			return nil
		})
		_, err := svc.Assign(ctx, "bob", 2)
		s.NoError(err)
	})
}
