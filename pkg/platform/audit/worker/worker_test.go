package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "goalpay/pkg/platform/audit"
	"goalpay/pkg/platform/audit/store/memory"
)

func TestQueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Append(context.Background(), audit.Event{Action: "a"}))
	assert.ErrorIs(t, q.Append(context.Background(), audit.Event{Action: "b"}), ErrQueueFull)
}

func TestWorkerPersistsQueuedEvents(t *testing.T) {
	q := NewQueue(4)
	store := memory.NewInMemoryStore()
	w := NewWorker(store, q.Events(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, q.Append(ctx, audit.Event{Username: "alice", Action: string(audit.EventGoalCompleted)}))
	require.Eventually(t, func() bool {
		events, _ := store.ListByUser(context.Background(), "alice")
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWorkerFlushesOnShutdown(t *testing.T) {
	q := NewQueue(4)
	store := memory.NewInMemoryStore()
	for range 3 {
		require.NoError(t, q.Append(context.Background(), audit.Event{Username: "bob"}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewWorker(store, q.Events(), nil).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	events, err := store.ListByUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
