// Package wallet talks to the custodial wallet provider that holds user
// funds and the master wallet rewards are paid from.
package wallet

import (
	"github.com/shopspring/decimal"
)

// TransferRequest moves Amount from a provider wallet to a blockchain
// address. IdempotencyKey must be fresh for every logical payout.
type TransferRequest struct {
	SourceWalletID     string
	DestinationAddress string
	Amount             decimal.Decimal
	IdempotencyKey     string
}

// Transfer is the provider's acknowledgement of a transfer request.
type Transfer struct {
	ID     string
	Status string
	Amount decimal.Decimal
}

// Transfer statuses reported by the provider.
const (
	TransferPending  = "pending"
	TransferComplete = "complete"
	TransferFailed   = "failed"
)
