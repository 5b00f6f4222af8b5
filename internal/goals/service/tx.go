package service

import (
	"context"
	"sync"
	"time"

	dErrors "goalpay/pkg/domain-errors"
)

// numLedgerShards spreads users over a fixed pool of mutexes so unrelated
// users rarely contend.
const numLedgerShards = 128

// defaultLedgerTxTimeout is the maximum duration of a ledger transaction
// when the caller supplied no deadline.
const defaultLedgerTxTimeout = 5 * time.Second

// ledgerTx serializes every mutation of one user's ledger inside this
// process. Cross-process safety comes from the stores' revision checks.
type ledgerTx struct {
	shards  [numLedgerShards]sync.Mutex
	timeout time.Duration
}

func (t *ledgerTx) RunInTx(ctx context.Context, username string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultLedgerTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shard := hashUsername(username) % numLedgerShards
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	// Waiting for the lock may have used up the deadline.
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	return fn(ctx)
}

// hashUsername is FNV-1a.
func hashUsername(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
