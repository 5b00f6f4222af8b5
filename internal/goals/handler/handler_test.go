package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"
	"go.uber.org/mock/gomock"

	"goalpay/internal/evidence"
	"goalpay/internal/goals/handler/mocks"
	"goalpay/internal/goals/models"
	dErrors "goalpay/pkg/domain-errors"
	"goalpay/pkg/platform/middleware/admin"
	"goalpay/pkg/platform/middleware/identity"
	"goalpay/pkg/platform/middleware/ratelimit"
	"goalpay/pkg/testutil"
)

const adminToken = "s3cret"

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type GoalsHandlerSuite struct {
	suite.Suite
	ledger      *mocks.MockLedgerService
	completions *mocks.MockCompletionService
	router      chi.Router
}

func TestGoalsHandlerSuite(t *testing.T) {
	suite.Run(t, new(GoalsHandlerSuite))
}

func (s *GoalsHandlerSuite) SetupTest() {
	s.router = s.newRouter(nil)
}

func (s *GoalsHandlerSuite) newRouter(limiter *ratelimit.Limiter) chi.Router {
	ctrl := gomock.NewController(s.T())
	s.ledger = mocks.NewMockLedgerService(ctrl)
	s.completions = mocks.NewMockCompletionService(ctrl)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := New(s.ledger, s.completions, limiter, logger, Config{
		AdminToken:       adminToken,
		DefaultCount:     5,
		MaxEvidenceBytes: 64,
	})
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func asUser(req *http.Request, username, walletID string) *http.Request {
	req.Header.Set(identity.HeaderUsername, username)
	if walletID != "" {
		req.Header.Set(identity.HeaderWalletID, walletID)
	}
	return req
}

func asAdmin(req *http.Request) *http.Request {
	req.Header.Set(admin.HeaderAdminToken, adminToken)
	return req
}

func aliceLedger(s *GoalsHandlerSuite) *models.Ledger {
	l, err := models.NewLedger("alice", []models.GoalDefinition{
		{Name: "Recycle", Reward: decimal.RequireFromString("5.00")},
		{Name: "Walk 10k steps", Reward: decimal.RequireFromString("2.50")},
	}, 1, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	return l
}

func (s *GoalsHandlerSuite) claimRequest(goalName string, image []byte) *http.Request {
	fields := map[string]string{}
	if goalName != "" {
		fields[fieldGoalName] = goalName
	}
	fileField := ""
	if image != nil {
		fileField = fieldImage
	}
	req := testutil.NewMultipartRequest(s.T(), http.MethodPost, "/goals/complete", fields, fileField, "proof.png", image)
	return asUser(req, "alice", "1000216185")
}

func (s *GoalsHandlerSuite) TestGetGoals() {
	s.Run("returns the caller's ledger", func() {
		s.ledger.EXPECT().Get(gomock.Any(), "alice").Return(aliceLedger(s), nil)

		rr := testutil.DoRequest(s.router, asUser(testutil.NewRequest(s.T(), http.MethodGet, "/goals"), "alice", ""))

		testutil.AssertStatusOK(s.T(), rr)
		body := testutil.UnmarshalResponse[models.Ledger](s.T(), rr)
		s.Equal(2, body.Count)
		s.True(body.TotalReward.Equal(decimal.RequireFromString("7.50")))
		s.Equal("Recycle", body.Goals[0].Name)
	})

	s.Run("money keeps two decimal places", func() {
		s.ledger.EXPECT().Get(gomock.Any(), "alice").Return(aliceLedger(s), nil)

		rr := testutil.DoRequest(s.router, asUser(testutil.NewRequest(s.T(), http.MethodGet, "/goals"), "alice", ""))

		testutil.AssertStatusOK(s.T(), rr)
		s.Equal("7.50", gjson.GetBytes(rr.Body.Bytes(), "total_reward").String())
		s.Equal("5.00", gjson.GetBytes(rr.Body.Bytes(), "goals.0.reward").String())
		s.Equal("2.50", gjson.GetBytes(rr.Body.Bytes(), "goals.1.reward").String())
	})

	s.Run("no ledger is 404", func() {
		s.ledger.EXPECT().Get(gomock.Any(), "bob").Return(nil, dErrors.New(dErrors.CodeNotFound, "no goals assigned"))

		rr := testutil.DoRequest(s.router, asUser(testutil.NewRequest(s.T(), http.MethodGet, "/goals"), "bob", ""))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})

	s.Run("missing identity is 401", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/goals"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *GoalsHandlerSuite) TestAssignGoals() {
	s.Run("uses the default count", func() {
		s.ledger.EXPECT().Assign(gomock.Any(), "alice", 5).Return(aliceLedger(s), nil)

		req := asAdmin(testutil.NewJSONRequest(s.T(), http.MethodPost, "/goals/assign", map[string]any{"username": "alice"}))
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		s.Equal("7.50", gjson.GetBytes(rr.Body.Bytes(), "total_reward").String())
	})

	s.Run("explicit count", func() {
		s.ledger.EXPECT().Assign(gomock.Any(), "alice", 2).Return(aliceLedger(s), nil)

		req := asAdmin(testutil.NewJSONRequest(s.T(), http.MethodPost, "/goals/assign", map[string]any{"username": "alice", "count": 2}))
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
	})

	s.Run("negative count is a validation error", func() {
		s.ledger.EXPECT().Assign(gomock.Any(), "alice", -1).Return(nil, dErrors.New(dErrors.CodeValidation, "n must not be negative"))

		req := asAdmin(testutil.NewJSONRequest(s.T(), http.MethodPost, "/goals/assign", map[string]any{"username": "alice", "count": -1}))
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})

	s.Run("malformed body", func() {
		req := asAdmin(testutil.NewRequestWithBody(s.T(), http.MethodPost, "/goals/assign", "{"))
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("requires the admin token", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/goals/assign", map[string]any{"username": "alice"})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)
	})
}

func (s *GoalsHandlerSuite) TestCompleteGoal() {
	s.Run("success", func() {
		completedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		s.completions.EXPECT().CompleteGoal(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, claim models.Claim) (*models.CompletionRecord, error) {
				s.Equal("alice", claim.Username)
				s.Equal("1000216185", claim.WalletID)
				s.Equal("Recycle", claim.GoalName)
				s.Equal(pngBytes, claim.Evidence)
				s.Equal("image/png", claim.ContentType)
				return &models.CompletionRecord{
					ID:          uuid.New(),
					Username:    "alice",
					GoalName:    "Recycle",
					Reward:      decimal.RequireFromString("5.00"),
					EvidenceRef: "ref.png",
					PayoutRef:   "tr-1",
					CompletedAt: completedAt,
				}, nil
			})

		rr := testutil.DoRequest(s.router, s.claimRequest("Recycle", pngBytes))

		testutil.AssertStatusOK(s.T(), rr)
		body := testutil.UnmarshalResponse[completeResponse](s.T(), rr)
		s.Equal("Recycle", body.GoalName)
		s.Equal("tr-1", body.PayoutRef)
		s.Equal("5.00", body.Reward)
	})

	s.Run("every workflow failure looks the same", func() {
		for _, code := range []dErrors.Code{
			dErrors.CodeFraudRejected,
			dErrors.CodePayout,
			dErrors.CodeEvidence,
			dErrors.CodePersistence,
			dErrors.CodeConflict,
		} {
			s.completions.EXPECT().CompleteGoal(gomock.Any(), gomock.Any()).Return(nil, dErrors.New(code, "detail"))

			rr := testutil.DoRequest(s.router, s.claimRequest("Recycle", pngBytes))

			testutil.AssertStatus(s.T(), rr, http.StatusUnprocessableEntity)
			resp := testutil.UnmarshalErrorResponse(s.T(), rr)
			s.Equal("unprocessable", resp["error"])
			s.Equal("could not complete goal", resp["error_description"])
		}
	})

	s.Run("missing goal name", func() {
		rr := testutil.DoRequest(s.router, s.claimRequest("", pngBytes))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})

	s.Run("missing image", func() {
		rr := testutil.DoRequest(s.router, s.claimRequest("Recycle", nil))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})

	s.Run("empty image", func() {
		rr := testutil.DoRequest(s.router, s.claimRequest("Recycle", []byte{}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})

	s.Run("oversized image", func() {
		rr := testutil.DoRequest(s.router, s.claimRequest("Recycle", []byte(strings.Repeat("x", 65))))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})

	s.Run("missing wallet id", func() {
		req := testutil.NewMultipartRequest(s.T(), http.MethodPost, "/goals/complete",
			map[string]string{fieldGoalName: "Recycle"}, fieldImage, "proof.png", pngBytes)
		rr := testutil.DoRequest(s.router, asUser(req, "alice", ""))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})

	s.Run("not multipart", func() {
		req := asUser(testutil.NewJSONRequest(s.T(), http.MethodPost, "/goals/complete", map[string]string{"goal_name": "Recycle"}), "alice", "1000216185")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})
}

func (s *GoalsHandlerSuite) TestCompleteGoalIsRateLimited() {
	router := s.newRouter(ratelimit.New(1, slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.completions.EXPECT().CompleteGoal(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeFraudRejected, "goal is not pending for user"))

	first := testutil.DoRequest(router, s.claimRequest("Recycle", pngBytes))
	testutil.AssertStatus(s.T(), first, http.StatusUnprocessableEntity)

	second := testutil.DoRequest(router, s.claimRequest("Recycle", pngBytes))
	testutil.AssertStatusAndError(s.T(), second, http.StatusTooManyRequests, "rate_limited")
	s.NotEmpty(second.Header().Get("Retry-After"))
}

func (s *GoalsHandlerSuite) TestListCompletions() {
	s.Run("empty list is an empty array", func() {
		s.completions.EXPECT().Completions(gomock.Any(), "alice").Return(nil, nil)

		rr := testutil.DoRequest(s.router, asUser(testutil.NewRequest(s.T(), http.MethodGet, "/goals/completions"), "alice", ""))

		testutil.AssertStatusOK(s.T(), rr)
		s.JSONEq(`{"completions":[]}`, rr.Body.String())
	})

	s.Run("records render money with two places", func() {
		s.completions.EXPECT().Completions(gomock.Any(), "alice").Return([]models.CompletionRecord{{
			ID:          uuid.New(),
			Username:    "alice",
			GoalName:    "Walk 10k steps",
			Reward:      decimal.RequireFromString("2.5"),
			EvidenceRef: "ab/abcdef",
			PayoutRef:   "tr-9",
			CompletedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}}, nil)

		rr := testutil.DoRequest(s.router, asUser(testutil.NewRequest(s.T(), http.MethodGet, "/goals/completions"), "alice", ""))

		testutil.AssertStatusOK(s.T(), rr)
		first := gjson.GetBytes(rr.Body.Bytes(), "completions.0")
		s.Equal("Walk 10k steps", first.Get("goal_name").String())
		s.Equal("2.50", first.Get("reward").String())
		s.Equal("tr-9", first.Get("payout_ref").String())
		s.Equal("ab/abcdef", first.Get("evidence_ref").String())
	})

	s.Run("store failure is hidden", func() {
		s.completions.EXPECT().Completions(gomock.Any(), "alice").
			Return(nil, dErrors.Wrap(errors.New("pq: connection refused"), dErrors.CodePersistence, "failed to list completions"))

		rr := testutil.DoRequest(s.router, asUser(testutil.NewRequest(s.T(), http.MethodGet, "/goals/completions"), "alice", ""))

		testutil.AssertStatus(s.T(), rr, http.StatusInternalServerError)
		testutil.AssertNoDescription(s.T(), rr)
		s.NotContains(rr.Body.String(), "connection refused")
	})
}

func (s *GoalsHandlerSuite) TestBalance() {
	s.Run("returns the wallet balance", func() {
		s.completions.EXPECT().Balance(gomock.Any(), "1000216185").Return(decimal.RequireFromString("12.5"), nil)

		rr := testutil.DoRequest(s.router, asUser(testutil.NewRequest(s.T(), http.MethodGet, "/wallet/balance"), "alice", "1000216185"))

		testutil.AssertStatusOK(s.T(), rr)
		body := testutil.UnmarshalResponse[balanceResponse](s.T(), rr)
		s.Equal("1000216185", body.WalletID)
		s.True(body.Balance.Equal(decimal.RequireFromString("12.50")))
	})

	s.Run("requires a wallet id", func() {
		rr := testutil.DoRequest(s.router, asUser(testutil.NewRequest(s.T(), http.MethodGet, "/wallet/balance"), "alice", ""))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})

	s.Run("provider outage", func() {
		s.completions.EXPECT().Balance(gomock.Any(), "1000216185").
			Return(decimal.Zero, dErrors.New(dErrors.CodeUnavailable, "wallet provider unavailable"))

		rr := testutil.DoRequest(s.router, asUser(testutil.NewRequest(s.T(), http.MethodGet, "/wallet/balance"), "alice", "1000216185"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusServiceUnavailable, "unavailable")
	})
}

func (s *GoalsHandlerSuite) TestGetEvidence() {
	ref := evidence.NewRef("image/png")

	s.Run("streams the blob with its content type", func() {
		s.completions.EXPECT().Evidence(gomock.Any(), ref.String()).Return(pngBytes, ref, nil)

		rr := testutil.DoRequest(s.router, asAdmin(testutil.NewRequest(s.T(), http.MethodGet, "/evidence/"+ref.String())))

		testutil.AssertStatusOK(s.T(), rr)
		s.Equal("image/png", rr.Header().Get("Content-Type"))
		s.Equal(pngBytes, rr.Body.Bytes())
	})

	s.Run("unknown ref", func() {
		s.completions.EXPECT().Evidence(gomock.Any(), ref.String()).
			Return(nil, evidence.Ref(""), dErrors.New(dErrors.CodeNotFound, "evidence not found"))

		rr := testutil.DoRequest(s.router, asAdmin(testutil.NewRequest(s.T(), http.MethodGet, "/evidence/"+ref.String())))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})

	s.Run("requires the admin token", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/evidence/"+ref.String()))
		testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)
	})
}
