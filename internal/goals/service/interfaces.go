package service

import (
	"context"

	"github.com/shopspring/decimal"

	"goalpay/internal/evidence"
	"goalpay/internal/goals/models"
	"goalpay/internal/wallet"
	"goalpay/pkg/platform/audit"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

// LedgerStore persists one ledger per user. Save is compare-and-swap on
// Revision and returns sentinel.ErrConflict when it loses.
type LedgerStore interface {
	FindByUsername(ctx context.Context, username string) (*models.Ledger, error)
	Save(ctx context.Context, ledger *models.Ledger) error
}

// CompletionStore is the append-only completion log.
type CompletionStore interface {
	Append(ctx context.Context, record *models.CompletionRecord) error
	ListByUser(ctx context.Context, username string) ([]models.CompletionRecord, error)
}

// Catalog supplies the goals assignments draw from.
type Catalog interface {
	Goals() []models.GoalDefinition
}

// WalletClient is the part of the wallet provider the goal workflow needs.
type WalletClient interface {
	ResolveAddress(ctx context.Context, walletID string) (string, error)
	RequestTransfer(ctx context.Context, req wallet.TransferRequest) (*wallet.Transfer, error)
	Balance(ctx context.Context, walletID string) (decimal.Decimal, error)
}

// EvidenceStore keeps proof blobs.
type EvidenceStore interface {
	Store(ctx context.Context, blob []byte, contentType string) (evidence.Ref, error)
	Open(ctx context.Context, ref evidence.Ref) ([]byte, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}
