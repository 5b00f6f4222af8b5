package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"goalpay/internal/evidence"
	"goalpay/internal/goals/metrics"
	"goalpay/internal/goals/models"
	"goalpay/internal/goals/service/mocks"
	completionstore "goalpay/internal/goals/store/completion"
	ledgerstore "goalpay/internal/goals/store/ledger"
	"goalpay/internal/wallet"
	dErrors "goalpay/pkg/domain-errors"
	"goalpay/pkg/platform/audit"
	auditmemory "goalpay/pkg/platform/audit/store/memory"
	"goalpay/pkg/platform/sentinel"
)

const (
	masterWallet = "master-wallet"
	aliceWallet  = "1000216185"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nproof")

type CoordinatorSuite struct {
	suite.Suite
	ctrl        *gomock.Controller
	ledgers     *ledgerstore.InMemoryStore
	ledger      *LedgerService
	wallet      *mocks.MockWalletClient
	evidence    *mocks.MockEvidenceStore
	completions *completionstore.InMemoryStore
	auditEvents *auditmemory.InMemoryStore
	metrics     *metrics.Metrics
	coordinator *Coordinator
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.ledgers = ledgerstore.NewInMemory()
	s.wallet = mocks.NewMockWalletClient(s.ctrl)
	s.evidence = mocks.NewMockEvidenceStore(s.ctrl)
	s.completions = completionstore.NewInMemory()
	s.auditEvents = auditmemory.NewInMemoryStore()
	s.metrics = metrics.NewWithRegistry(prometheus.NewRegistry())

	opts := []Option{
		WithLogger(discardLogger()),
		WithAuditPublisher(audit.NewPublisher(s.auditEvents)),
		WithMetrics(s.metrics),
	}
	s.ledger = NewLedgerService(s.ledgers, testCatalog(s.T()), opts...)
	s.coordinator = NewCoordinator(s.ledger, s.wallet, s.evidence, s.completions, masterWallet, opts...)

	s.seedLedger("alice", "Recycle", "5.00", "Walk 10k steps", "2.50")
}

func (s *CoordinatorSuite) seedLedger(username string, nameRewards ...string) {
	var goals []models.GoalDefinition
	for i := 0; i < len(nameRewards); i += 2 {
		goals = append(goals, models.GoalDefinition{
			Name:   nameRewards[i],
			Reward: decimal.RequireFromString(nameRewards[i+1]),
		})
	}
	l, err := models.NewLedger(username, goals, 1, time.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.ledgers.Save(context.Background(), l))
}

func (s *CoordinatorSuite) claim(goal string) models.Claim {
	return models.Claim{
		Username:    "alice",
		WalletID:    aliceWallet,
		GoalName:    goal,
		Evidence:    pngBytes,
		ContentType: "image/png",
	}
}

func (s *CoordinatorSuite) expectPayout(amount string) {
	s.wallet.EXPECT().ResolveAddress(gomock.Any(), aliceWallet).Return("0xflow", nil)
	s.wallet.EXPECT().RequestTransfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req wallet.TransferRequest) (*wallet.Transfer, error) {
			s.Equal(masterWallet, req.SourceWalletID)
			s.Equal("0xflow", req.DestinationAddress)
			s.Equal(amount, req.Amount.StringFixed(2))
			s.NotEmpty(req.IdempotencyKey)
			return &wallet.Transfer{ID: "tr-1", Status: wallet.TransferPending, Amount: req.Amount}, nil
		})
}

func (s *CoordinatorSuite) expectEvidence() {
	s.evidence.EXPECT().Store(gomock.Any(), pngBytes, "image/png").Return(evidence.Ref("ref-1.png"), nil)
}

func (s *CoordinatorSuite) pending(username string) *models.Ledger {
	l, err := s.ledgers.FindByUsername(context.Background(), username)
	s.Require().NoError(err)
	return l
}

func (s *CoordinatorSuite) events(action audit.AuditEvent) []audit.Event {
	all, err := s.auditEvents.ListByUser(context.Background(), "alice")
	s.Require().NoError(err)
	var out []audit.Event
	for _, e := range all {
		if e.Action == string(action) {
			out = append(out, e)
		}
	}
	return out
}

func (s *CoordinatorSuite) TestCompleteGoalPaysOnceAndRecordsOnce() {
	s.expectPayout("5.00")
	s.expectEvidence()

	record, err := s.coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))
	s.Require().NoError(err)

	s.Equal("alice", record.Username)
	s.Equal("Recycle", record.GoalName)
	s.Equal("5.00", record.Reward.StringFixed(2))
	s.Equal("ref-1.png", record.EvidenceRef)
	s.Equal("tr-1", record.PayoutRef)

	l := s.pending("alice")
	s.Equal(1, l.Count)
	s.Equal("2.50", l.TotalReward.StringFixed(2))
	_, still := l.Find("Recycle")
	s.False(still)

	records, err := s.coordinator.Completions(context.Background(), "alice")
	s.Require().NoError(err)
	s.Len(records, 1)

	s.Len(s.events(audit.EventGoalCompleted), 1)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.ClaimsTotal.WithLabelValues(metrics.OutcomeCompleted)))
	s.Equal(5.0, promtest.ToFloat64(s.metrics.PayoutAmountTotal))
}

func (s *CoordinatorSuite) TestGoalNotPendingIsRejectedWithoutPayout() {
	_, err := s.coordinator.CompleteGoal(context.Background(), s.claim("Swim a mile"))

	s.True(dErrors.HasCode(err, dErrors.CodeFraudRejected))
	s.Equal(2, s.pending("alice").Count, "ledger unchanged")

	rejected := s.events(audit.EventClaimRejected)
	s.Require().Len(rejected, 1)
	s.Equal(audit.SeverityCritical, rejected[0].Severity)
	s.Equal(audit.CategorySecurity, rejected[0].Category)
	s.Equal(ReasonGoalNotPending, rejected[0].Reason)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.FraudRejectionsTotal))
}

func (s *CoordinatorSuite) TestMissingLedgerIsRejected() {
	claim := s.claim("Recycle")
	claim.Username = "mallory"

	_, err := s.coordinator.CompleteGoal(context.Background(), claim)

	s.True(dErrors.HasCode(err, dErrors.CodeFraudRejected))
	s.Equal(1.0, promtest.ToFloat64(s.metrics.FraudRejectionsTotal))
}

func (s *CoordinatorSuite) TestSecondClaimForSameGoalIsRejected() {
	s.expectPayout("5.00")
	s.expectEvidence()

	_, err := s.coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))
	s.Require().NoError(err)

	_, err = s.coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))
	s.True(dErrors.HasCode(err, dErrors.CodeFraudRejected))
}

func (s *CoordinatorSuite) TestPayoutFailureLeavesGoalRemoved() {
	s.wallet.EXPECT().ResolveAddress(gomock.Any(), aliceWallet).Return("0xflow", nil)
	s.wallet.EXPECT().RequestTransfer(gomock.Any(), gomock.Any()).
		Return(nil, &wallet.ProviderError{Category: wallet.ErrorProviderOutage, Op: "transfer", Message: "down"})

	_, err := s.coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))

	s.True(dErrors.HasCode(err, dErrors.CodePayout))
	s.Equal(1, s.pending("alice").Count, "no rollback after removal")
	records, _ := s.completions.ListByUser(context.Background(), "alice")
	s.Empty(records)
	s.Len(s.events(audit.EventPayoutFailed), 1)
}

func (s *CoordinatorSuite) TestTransferWithoutIDIsPayoutFailure() {
	s.wallet.EXPECT().ResolveAddress(gomock.Any(), aliceWallet).Return("0xflow", nil)
	s.wallet.EXPECT().RequestTransfer(gomock.Any(), gomock.Any()).Return(&wallet.Transfer{}, nil)

	_, err := s.coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))
	s.True(dErrors.HasCode(err, dErrors.CodePayout))
}

func (s *CoordinatorSuite) TestAddressLookupFailureIsPayoutFailure() {
	s.wallet.EXPECT().ResolveAddress(gomock.Any(), aliceWallet).
		Return("", &wallet.ProviderError{Category: wallet.ErrorTimeout, Op: "resolve_address", Message: "slow"})

	_, err := s.coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))
	s.True(dErrors.HasCode(err, dErrors.CodePayout))
}

func (s *CoordinatorSuite) TestEvidenceFailureAfterPayout() {
	s.expectPayout("5.00")
	s.evidence.EXPECT().Store(gomock.Any(), gomock.Any(), gomock.Any()).Return(evidence.Ref(""), errors.New("disk full"))

	_, err := s.coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))

	s.True(dErrors.HasCode(err, dErrors.CodeEvidence))
	s.Equal(1, s.pending("alice").Count)
	s.Len(s.events(audit.EventEvidenceFailed), 1)
}

func (s *CoordinatorSuite) TestRecordFailureIsPersistenceFailure() {
	completions := mocks.NewMockCompletionStore(s.ctrl)
	coordinator := NewCoordinator(s.ledger, s.wallet, s.evidence, completions, masterWallet, WithLogger(discardLogger()))
	s.expectPayout("5.00")
	s.expectEvidence()
	completions.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("insert failed"))

	_, err := coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))
	s.True(dErrors.HasCode(err, dErrors.CodePersistence))
}

func (s *CoordinatorSuite) TestClaimFinishesAfterCallerCancels() {
	store, err := evidence.NewFSStore(s.T().TempDir())
	s.Require().NoError(err)
	coordinator := NewCoordinator(s.ledger, s.wallet, store, s.completions, masterWallet, WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.wallet.EXPECT().ResolveAddress(gomock.Any(), aliceWallet).Return("0xflow", nil)
	s.wallet.EXPECT().RequestTransfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req wallet.TransferRequest) (*wallet.Transfer, error) {
			cancel()
			return &wallet.Transfer{ID: "tr-1", Status: wallet.TransferPending, Amount: req.Amount}, nil
		})

	record, err := coordinator.CompleteGoal(ctx, s.claim("Recycle"))
	s.Require().NoError(err)
	s.Require().Error(ctx.Err())

	records, err := s.completions.ListByUser(context.Background(), "alice")
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal("tr-1", records[0].PayoutRef)

	blob, err := store.Open(context.Background(), evidence.Ref(record.EvidenceRef))
	s.Require().NoError(err)
	s.Equal(pngBytes, blob)
}

func (s *CoordinatorSuite) TestHungWalletCallIsBounded() {
	coordinator := NewCoordinator(s.ledger, s.wallet, s.evidence, s.completions, masterWallet,
		WithLogger(discardLogger()),
		WithWalletTimeout(50*time.Millisecond),
	)
	s.wallet.EXPECT().ResolveAddress(gomock.Any(), aliceWallet).Return("0xflow", nil)
	s.wallet.EXPECT().RequestTransfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ wallet.TransferRequest) (*wallet.Transfer, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).Times(1)

	start := time.Now()
	_, err := coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))

	s.True(dErrors.HasCode(err, dErrors.CodePayout))
	s.Less(time.Since(start), 2*time.Second)
	_, stillPending := s.pending("alice").Find("Recycle")
	s.False(stillPending, "a timed out payout does not restore the goal")
	records, _ := s.completions.ListByUser(context.Background(), "alice")
	s.Empty(records)
}

func (s *CoordinatorSuite) TestHungEvidenceStoreIsBounded() {
	coordinator := NewCoordinator(s.ledger, s.wallet, s.evidence, s.completions, masterWallet,
		WithLogger(discardLogger()),
		WithEvidenceTimeout(50*time.Millisecond),
	)
	s.expectPayout("5.00")
	s.evidence.EXPECT().Store(gomock.Any(), pngBytes, "image/png").
		DoAndReturn(func(ctx context.Context, _ []byte, _ string) (evidence.Ref, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}).Times(1)

	start := time.Now()
	_, err := coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))

	s.True(dErrors.HasCode(err, dErrors.CodeEvidence))
	s.Less(time.Since(start), 2*time.Second)
	_, stillPending := s.pending("alice").Find("Recycle")
	s.False(stillPending)
	records, _ := s.completions.ListByUser(context.Background(), "alice")
	s.Empty(records)
}

func (s *CoordinatorSuite) TestZeroRewardMovesNoMoney() {
	s.seedLedger("zoe", "Smile", "0")
	s.evidence.EXPECT().Store(gomock.Any(), gomock.Any(), gomock.Any()).Return(evidence.Ref("ref-2.png"), nil)

	claim := s.claim("Smile")
	claim.Username = "zoe"
	record, err := s.coordinator.CompleteGoal(context.Background(), claim)
	s.Require().NoError(err)
	s.Empty(record.PayoutRef)
}

func (s *CoordinatorSuite) TestClaimValidation() {
	tests := []struct {
		name   string
		mutate func(c *models.Claim)
	}{
		{"missing username", func(c *models.Claim) { c.Username = "" }},
		{"missing wallet", func(c *models.Claim) { c.WalletID = "" }},
		{"missing goal", func(c *models.Claim) { c.GoalName = "" }},
		{"empty evidence", func(c *models.Claim) { c.Evidence = nil }},
		{"oversized evidence", func(c *models.Claim) { c.Evidence = make([]byte, defaultMaxEvidenceBytes+1) }},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			claim := s.claim("Recycle")
			tt.mutate(&claim)
			_, err := s.coordinator.CompleteGoal(context.Background(), claim)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}
	s.Equal(2, s.pending("alice").Count)
}

// TestConcurrentDoubleClaimPaysOnce races many claims for one goal. The
// wallet mock allows a single transfer; a second would fail the test.
func (s *CoordinatorSuite) TestConcurrentDoubleClaimPaysOnce() {
	s.expectPayout("5.00")
	s.expectEvidence()

	const goroutines = 20
	var wg sync.WaitGroup
	var successes, rejections atomic.Int32
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))
			switch {
			case err == nil:
				successes.Add(1)
			case dErrors.HasCode(err, dErrors.CodeFraudRejected):
				rejections.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successes.Load())
	s.Equal(int32(goroutines-1), rejections.Load())
	records, _ := s.completions.ListByUser(context.Background(), "alice")
	s.Len(records, 1)
}

func (s *CoordinatorSuite) TestAuditPublisherFailureDoesNotFailClaim() {
	publisher := mocks.NewMockAuditPublisher(s.ctrl)
	coordinator := NewCoordinator(s.ledger, s.wallet, s.evidence, s.completions, masterWallet,
		WithLogger(discardLogger()),
		WithAuditPublisher(publisher),
	)
	s.expectPayout("5.00")
	s.expectEvidence()
	publisher.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(errors.New("kafka down"))

	_, err := coordinator.CompleteGoal(context.Background(), s.claim("Recycle"))
	s.NoError(err)
}

func (s *CoordinatorSuite) TestBalance() {
	s.Run("returns the provider balance", func() {
		s.wallet.EXPECT().Balance(gomock.Any(), aliceWallet).Return(decimal.RequireFromString("12.50"), nil)
		got, err := s.coordinator.Balance(context.Background(), aliceWallet)
		s.Require().NoError(err)
		s.Equal("12.50", got.StringFixed(2))
	})

	s.Run("provider outage is unavailable", func() {
		s.wallet.EXPECT().Balance(gomock.Any(), aliceWallet).
			Return(decimal.Zero, &wallet.ProviderError{Category: wallet.ErrorProviderOutage})
		_, err := s.coordinator.Balance(context.Background(), aliceWallet)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})

	s.Run("unknown wallet is not found", func() {
		s.wallet.EXPECT().Balance(gomock.Any(), "nope").
			Return(decimal.Zero, &wallet.ProviderError{Category: wallet.ErrorNotFound})
		_, err := s.coordinator.Balance(context.Background(), "nope")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *CoordinatorSuite) TestEvidence() {
	ref := evidence.NewRef("image/png")

	s.Run("opens stored evidence", func() {
		s.evidence.EXPECT().Open(gomock.Any(), ref).Return(pngBytes, nil)
		blob, got, err := s.coordinator.Evidence(context.Background(), ref.String())
		s.Require().NoError(err)
		s.Equal(pngBytes, blob)
		s.Equal(ref, got)
	})

	s.Run("malformed refs never reach the store", func() {
		_, _, err := s.coordinator.Evidence(context.Background(), "../secrets.png")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("missing evidence is not found", func() {
		s.evidence.EXPECT().Open(gomock.Any(), ref).Return(nil, sentinel.ErrNotFound)
		_, _, err := s.coordinator.Evidence(context.Background(), ref.String())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("corrupt evidence is internal", func() {
		s.evidence.EXPECT().Open(gomock.Any(), ref).Return(nil, sentinel.ErrCorrupt)
		_, _, err := s.coordinator.Evidence(context.Background(), ref.String())
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}
