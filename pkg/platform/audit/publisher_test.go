package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goalpay/pkg/platform/audit"
	"goalpay/pkg/platform/audit/store/memory"
)

type failingStore struct{}

func (failingStore) Append(context.Context, audit.Event) error { return assert.AnError }

func TestPublisherFansOut(t *testing.T) {
	ctx := context.Background()
	first := memory.NewInMemoryStore()
	second := memory.NewInMemoryStore()
	p := audit.NewPublisher(first, failingStore{}, second)

	err := p.Emit(ctx, audit.Event{Username: "alice", Action: string(audit.EventClaimRejected)})
	require.ErrorIs(t, err, assert.AnError)

	for _, store := range []*memory.InMemoryStore{first, second} {
		events, err := store.ListByUser(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, audit.CategorySecurity, events[0].Category)
		assert.False(t, events[0].Timestamp.IsZero())
	}
}

func TestCategoryDefaultsToOperations(t *testing.T) {
	assert.Equal(t, audit.CategoryOperations, audit.AuditEvent("something_else").Category())
	assert.Equal(t, audit.CategoryCompliance, audit.EventGoalCompleted.Category())
}
