// Package enrollment provisions a new user: a custodial wallet, its deposit
// address and an initial set of goals.
package enrollment

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"goalpay/internal/goals/models"
	"goalpay/internal/wallet"
	dErrors "goalpay/pkg/domain-errors"
	"goalpay/pkg/platform/audit"
	"goalpay/pkg/requestcontext"
)

//go:generate mockgen -source=enrollment.go -destination=mocks/mocks.go -package=mocks

// WalletProvisioner creates provider-side wallets.
type WalletProvisioner interface {
	CreateWallet(ctx context.Context, description, idempotencyKey string) (string, error)
	CreateAddress(ctx context.Context, walletID, idempotencyKey string) (string, error)
}

// GoalAssigner hands out the first goals. Get tells whether the user
// already has a ledger.
type GoalAssigner interface {
	Get(ctx context.Context, username string) (*models.Ledger, error)
	Assign(ctx context.Context, username string, n int) (*models.Ledger, error)
}

// AuditPublisher receives enrollment events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Result is what a freshly enrolled user needs to start claiming goals.
type Result struct {
	Username string         `json:"username"`
	WalletID string         `json:"wallet_id"`
	Address  string         `json:"address"`
	Ledger   *models.Ledger `json:"ledger"`
}

type Service struct {
	wallets      WalletProvisioner
	goals        GoalAssigner
	defaultCount int
	logger       *slog.Logger
	publisher    AuditPublisher
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

func NewService(wallets WalletProvisioner, goals GoalAssigner, defaultCount int, opts ...Option) *Service {
	s := &Service{
		wallets:      wallets,
		goals:        goals,
		defaultCount: defaultCount,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enroll creates the wallet and address with fresh idempotency keys, then
// assigns the default number of goals. A username that already has a ledger
// is refused before any provider call. A wallet created before a later step
// fails is left in place; the provider keeps it unused.
func (s *Service) Enroll(ctx context.Context, username string) (*Result, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "username is required")
	}
	requestID := requestcontext.RequestID(ctx)

	if _, err := s.goals.Get(ctx, username); err == nil {
		s.logger.WarnContext(ctx, "enrollment refused: username already exists",
			"username", username,
			"request_id", requestID,
		)
		return nil, dErrors.New(dErrors.CodeConflict, "username already exists")
	} else if !dErrors.HasCode(err, dErrors.CodeNotFound) {
		s.logger.ErrorContext(ctx, "failed to check existing ledger",
			"error", err,
			"username", username,
			"request_id", requestID,
		)
		return nil, err
	}

	walletID, err := s.wallets.CreateWallet(ctx, "goalpay:"+username, uuid.NewString())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create wallet",
			"error", err,
			"username", username,
			"request_id", requestID,
		)
		return nil, providerError(err, "failed to create wallet")
	}

	address, err := s.wallets.CreateAddress(ctx, walletID, uuid.NewString())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create deposit address",
			"error", err,
			"username", username,
			"wallet_id", walletID,
			"request_id", requestID,
		)
		return nil, providerError(err, "failed to create deposit address")
	}

	ledger, err := s.goals.Assign(ctx, username, s.defaultCount)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to assign initial goals",
			"error", err,
			"username", username,
			"wallet_id", walletID,
			"request_id", requestID,
		)
		return nil, err
	}

	s.logger.InfoContext(ctx, string(audit.EventUserEnrolled),
		"log_type", "audit",
		"username", username,
		"wallet_id", walletID,
		"goals", ledger.Count,
		"request_id", requestID,
	)
	if s.publisher != nil {
		if err := s.publisher.Emit(ctx, audit.Event{
			Action:    string(audit.EventUserEnrolled),
			Username:  username,
			Subject:   walletID,
			Amount:    ledger.TotalReward.StringFixed(2),
			RequestID: requestID,
		}); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish audit event",
				"error", err,
				"event", string(audit.EventUserEnrolled),
			)
		}
	}

	return &Result{
		Username: username,
		WalletID: walletID,
		Address:  address,
		Ledger:   ledger,
	}, nil
}

// providerError maps wallet failures: transient provider trouble is
// Unavailable, everything else Internal.
func providerError(err error, msg string) error {
	switch wallet.CategoryOf(err) {
	case wallet.ErrorTimeout, wallet.ErrorProviderOutage, wallet.ErrorRateLimited:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
