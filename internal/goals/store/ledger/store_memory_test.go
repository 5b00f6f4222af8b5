package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goalpay/internal/goals/models"
	"goalpay/pkg/platform/sentinel"
)

func mustLedger(t *testing.T, revision int64, names ...string) *models.Ledger {
	t.Helper()
	goals := make([]models.GoalDefinition, 0, len(names))
	for _, n := range names {
		goals = append(goals, models.GoalDefinition{Name: n, Reward: decimal.RequireFromString("1.50")})
	}
	l, err := models.NewLedger("alice", goals, revision, time.Now())
	require.NoError(t, err)
	return l
}

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("missing ledger is not found", func(t *testing.T) {
		store := NewInMemory()
		_, err := store.FindByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("first save must be revision 1", func(t *testing.T) {
		store := NewInMemory()
		assert.ErrorIs(t, store.Save(ctx, mustLedger(t, 2, "Walk")), sentinel.ErrConflict)
		require.NoError(t, store.Save(ctx, mustLedger(t, 1, "Walk")))
	})

	t.Run("stale revision conflicts", func(t *testing.T) {
		store := NewInMemory()
		require.NoError(t, store.Save(ctx, mustLedger(t, 1, "Walk", "Read")))
		require.NoError(t, store.Save(ctx, mustLedger(t, 2, "Read")))
		assert.ErrorIs(t, store.Save(ctx, mustLedger(t, 2, "Walk")), sentinel.ErrConflict)

		got, err := store.FindByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Revision)
		assert.Equal(t, 1, got.Count)
	})

	t.Run("returned ledgers are copies", func(t *testing.T) {
		store := NewInMemory()
		require.NoError(t, store.Save(ctx, mustLedger(t, 1, "Walk")))
		got, err := store.FindByUsername(ctx, "alice")
		require.NoError(t, err)
		got.Goals[0].Name = "mutated"

		again, err := store.FindByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Walk", again.Goals[0].Name)
	})
}

func TestInMemoryStore_ConcurrentSaveSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	require.NoError(t, store.Save(ctx, mustLedger(t, 1, "Walk", "Read")))

	const goroutines = 50
	var wg sync.WaitGroup
	var wins atomic.Int32
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Save(ctx, mustLedger(t, 2, "Read")) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
