package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/errors"
	"github.com/Golden-forest/cardall-sync/internal/events"
	"github.com/Golden-forest/cardall-sync/internal/metrics"
	"github.com/Golden-forest/cardall-sync/internal/model"
	"github.com/Golden-forest/cardall-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, localStore store.LocalStore, cfg QueueConfig) *QueueService {
	t.Helper()
	bus := events.NewBus(64, zap.NewNop())
	t.Cleanup(bus.Close)
	q, err := NewQueueService(localStore, bus, metrics.NewNop(), zap.NewNop(), cfg)
	require.NoError(t, err)
	return q
}

func cardUpdate(entityID, title string) model.Operation {
	return model.Operation{
		Kind:       model.OpUpdate,
		EntityType: model.EntityCard,
		EntityID:   entityID,
		Payload:    json.RawMessage(fmt.Sprintf(`{"title":%q}`, title)),
		Priority:   model.PriorityNormal,
	}
}

func allTiersStrategy(batchSize int) model.SyncStrategy {
	return model.SyncStrategy{
		BatchSize:      batchSize,
		PriorityFilter: append([]model.Priority(nil), model.AllPriorities...),
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		op   model.Operation
	}{
		{"missing kind", model.Operation{EntityType: model.EntityCard}},
		{"missing entity type", model.Operation{Kind: model.OpCreate, Payload: json.RawMessage(`{}`)}},
		{"update without entity id", model.Operation{
			Kind: model.OpUpdate, EntityType: model.EntityCard, Payload: json.RawMessage(`{}`),
		}},
		{"create without payload", model.Operation{Kind: model.OpCreate, EntityType: model.EntityCard}},
		{"unknown dependency", model.Operation{
			Kind: model.OpCreate, EntityType: model.EntityCard,
			Payload: json.RawMessage(`{}`), Dependencies: []string{"ghost"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.op)
			assert.Error(t, err)
			assert.True(t, errors.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestEnqueueCollapsesUpdates(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	first := cardUpdate("card-1", "v1")
	id1, err := q.Enqueue(ctx, first)
	require.NoError(t, err)

	second := cardUpdate("card-1", "v2")
	second.Priority = model.PriorityHigh
	id2, err := q.Enqueue(ctx, second)
	require.NoError(t, err)

	// Collapsed: the earlier operation keeps its identity and queue slot.
	assert.Equal(t, id1, id2)

	op, ok := q.Get(id1)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"v2"}`, string(op.Payload))
	assert.Equal(t, model.PriorityHigh, op.Priority)
	assert.Equal(t, 1, q.Stats().Backlog())
}

func TestEnqueueCreateAfterPendingDeleteRejected(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, model.Operation{
		Kind: model.OpDelete, EntityType: model.EntityCard, EntityID: "card-1",
	})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, model.Operation{
		Kind: model.OpCreate, EntityType: model.EntityCard, EntityID: "card-1",
		Payload: json.RawMessage(`{"title":"reborn"}`),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBatchValidation, errors.Code(err))
}

func TestDequeueOrdering(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	low := cardUpdate("card-low", "x")
	low.Priority = model.PriorityLow
	normalA := cardUpdate("card-a", "x")
	normalB := cardUpdate("card-b", "x")
	critical := cardUpdate("card-crit", "x")
	critical.Priority = model.PriorityCritical

	for _, op := range []model.Operation{low, normalA, normalB, critical} {
		_, err := q.Enqueue(ctx, op)
		require.NoError(t, err)
	}

	batch := q.DequeueBatch(ctx, allTiersStrategy(10))
	require.Len(t, batch, 4)
	assert.Equal(t, "card-crit", batch[0].EntityID)
	assert.Equal(t, "card-a", batch[1].EntityID) // FIFO within a tier
	assert.Equal(t, "card-b", batch[2].EntityID)
	assert.Equal(t, "card-low", batch[3].EntityID)
}

func TestDequeueHonorsPriorityFilter(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	normal := cardUpdate("card-n", "x")
	high := cardUpdate("card-h", "x")
	high.Priority = model.PriorityHigh
	for _, op := range []model.Operation{normal, high} {
		_, err := q.Enqueue(ctx, op)
		require.NoError(t, err)
	}

	batch := q.DequeueBatch(ctx, model.SyncStrategy{
		BatchSize:      10,
		PriorityFilter: []model.Priority{model.PriorityCritical, model.PriorityHigh},
	})
	require.Len(t, batch, 1)
	assert.Equal(t, "card-h", batch[0].EntityID)
}

func TestDequeueGatesOnDependencies(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	depID, err := q.Enqueue(ctx, cardUpdate("card-dep", "x"))
	require.NoError(t, err)

	child := cardUpdate("card-child", "x")
	child.Dependencies = []string{depID}
	childID, err := q.Enqueue(ctx, child)
	require.NoError(t, err)

	batch := q.DequeueBatch(ctx, allTiersStrategy(10))
	require.Len(t, batch, 1)
	assert.Equal(t, depID, batch[0].ID)

	require.NoError(t, q.MarkProcessing(ctx, depID))
	require.NoError(t, q.MarkCompleted(ctx, depID))

	batch = q.DequeueBatch(ctx, allTiersStrategy(10))
	require.Len(t, batch, 1)
	assert.Equal(t, childID, batch[0].ID)
}

func TestDependentsFailWhenDependencyFails(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	depID, err := q.Enqueue(ctx, cardUpdate("card-dep", "x"))
	require.NoError(t, err)

	child := cardUpdate("card-child", "x")
	child.Dependencies = []string{depID}
	childID, err := q.Enqueue(ctx, child)
	require.NoError(t, err)

	grandchild := cardUpdate("card-grandchild", "x")
	grandchild.Dependencies = []string{childID}
	grandchildID, err := q.Enqueue(ctx, grandchild)
	require.NoError(t, err)

	require.NoError(t, q.MarkProcessing(ctx, depID))
	require.NoError(t, q.MarkFailed(ctx, depID, errors.RemoteRejected(depID, "schema violation"), model.RetryPolicy{}))

	// The whole dependency chain gets a final disposition, not a stuck
	// pending state the dequeuer can never select.
	childOp, ok := q.Get(childID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, childOp.Status)
	assert.Contains(t, childOp.LastError, depID)

	grandchildOp, ok := q.Get(grandchildID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, grandchildOp.Status)
	assert.Contains(t, grandchildOp.LastError, childID)

	assert.Empty(t, q.DequeueBatch(ctx, allTiersStrategy(10)))
	assert.Zero(t, q.Stats().Backlog())
}

func TestDependentsCancelledWhenDependencyCancelled(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	depID, err := q.Enqueue(ctx, cardUpdate("card-dep", "x"))
	require.NoError(t, err)

	child := cardUpdate("card-child", "x")
	child.Dependencies = []string{depID}
	childID, err := q.Enqueue(ctx, child)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, depID, "user removed the card"))

	childOp, ok := q.Get(childID)
	require.True(t, ok)
	assert.Equal(t, model.StatusCancelled, childOp.Status)
	assert.Contains(t, childOp.LastError, "cancelled")
	assert.Zero(t, q.Stats().Backlog())
}

func TestRebuildSettlesDependentsOfFailedDependency(t *testing.T) {
	localStore := store.NewMemoryStore()
	q := newTestQueue(t, localStore, QueueConfig{})
	ctx := context.Background()

	depID, err := q.Enqueue(ctx, cardUpdate("card-dep", "x"))
	require.NoError(t, err)
	child := cardUpdate("card-child", "x")
	child.Dependencies = []string{depID}
	childID, err := q.Enqueue(ctx, child)
	require.NoError(t, err)

	// Persist the dependency as failed behind the queue's back, as a crash
	// between the terminal transition and the cascade would leave it.
	dep, ok := q.Get(depID)
	require.True(t, ok)
	dep.Status = model.StatusFailed
	data, err := json.Marshal(&dep)
	require.NoError(t, err)
	require.NoError(t, localStore.Put(ctx, store.CollectionOperations, store.Record{ID: depID, Data: data}))

	rebuilt := newTestQueue(t, localStore, QueueConfig{})
	childOp, ok := rebuilt.Get(childID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, childOp.Status)
	assert.Zero(t, rebuilt.Stats().Backlog())
}

func TestMarkFailedTransientSchedulesRetry(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{MaxRetries: 3})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cardUpdate("card-1", "x"))
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))

	policy := model.RetryPolicy{InitialDelay: time.Minute, MaxDelay: time.Hour, BackoffMultiplier: 2.0}
	require.NoError(t, q.MarkFailed(ctx, id, errors.Transport("connection reset", nil), policy))

	op, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StatusRetryWait, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	assert.True(t, op.NextRetryAt.After(time.Now()))

	// Not yet due, so not dequeued.
	assert.Empty(t, q.DequeueBatch(ctx, allTiersStrategy(10)))
}

func TestMarkFailedExhaustsRetryBudget(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{MaxRetries: 2})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cardUpdate("card-1", "x"))
	require.NoError(t, err)

	policy := model.RetryPolicy{InitialDelay: time.Millisecond, BackoffMultiplier: 1.0, MaxDelay: time.Millisecond}
	for i := 0; i < 2; i++ {
		require.NoError(t, q.MarkProcessing(ctx, id))
		require.NoError(t, q.MarkFailed(ctx, id, errors.Transport("flaky", nil), policy))
		op, _ := q.Get(id)
		require.Equal(t, model.StatusRetryWait, op.Status)
		time.Sleep(5 * time.Millisecond)
	}

	// Third failure exceeds the budget: terminal.
	require.NoError(t, q.MarkProcessing(ctx, id))
	require.NoError(t, q.MarkFailed(ctx, id, errors.Transport("flaky", nil), policy))

	op, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, 2, op.RetryCount)
	assert.Contains(t, op.LastError, "after 2 retries")
}

func TestMarkFailedNonTransientIsTerminal(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{MaxRetries: 3})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cardUpdate("card-1", "x"))
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))
	require.NoError(t, q.MarkFailed(ctx, id, errors.RemoteRejected(id, "schema violation"), model.RetryPolicy{}))

	op, _ := q.Get(id)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, 0, op.RetryCount)
}

func TestMarkCompletedIsIdempotent(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cardUpdate("card-1", "x"))
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))
	require.NoError(t, q.MarkCompleted(ctx, id))
	require.NoError(t, q.MarkCompleted(ctx, id))

	// A late failure report after completion is swallowed too.
	require.NoError(t, q.MarkFailed(ctx, id, errors.Transport("late", nil), model.RetryPolicy{}))
	op, _ := q.Get(id)
	assert.Equal(t, model.StatusCompleted, op.Status)
}

func TestCancelOnlyNonProcessing(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cardUpdate("card-1", "x"))
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, id, "user change of mind"))

	op, _ := q.Get(id)
	assert.Equal(t, model.StatusCancelled, op.Status)

	id2, err := q.Enqueue(ctx, cardUpdate("card-2", "x"))
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id2))
	err = q.Cancel(ctx, id2, "too late")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.Code(err))
}

func TestRequeueReturnsProcessingToPending(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cardUpdate("card-1", "x"))
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))
	require.NoError(t, q.Requeue(ctx, id))

	op, _ := q.Get(id)
	assert.Equal(t, model.StatusPending, op.Status)

	// Requeueing a pending operation is an invalid transition.
	assert.Error(t, q.Requeue(ctx, id))
}

func TestHistoryBoundPrunesOldest(t *testing.T) {
	localStore := store.NewMemoryStore()
	q := newTestQueue(t, localStore, QueueConfig{HistoryLimit: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, cardUpdate(fmt.Sprintf("card-%d", i), "x"))
		require.NoError(t, err)
		require.NoError(t, q.MarkProcessing(ctx, id))
		require.NoError(t, q.MarkCompleted(ctx, id))
		ids = append(ids, id)
	}

	// Oldest terminal operation evicted from index and store.
	_, ok := q.Get(ids[0])
	assert.False(t, ok)
	_, err := localStore.Get(ctx, store.CollectionOperations, ids[0])
	assert.Equal(t, store.ErrNotFound, err)

	_, ok = q.Get(ids[2])
	assert.True(t, ok)
}

func TestRebuildRecoversProcessingAsPending(t *testing.T) {
	localStore := store.NewMemoryStore()
	q := newTestQueue(t, localStore, QueueConfig{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cardUpdate("card-1", "x"))
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))

	// Simulated crash: a fresh service over the same store.
	rebuilt := newTestQueue(t, localStore, QueueConfig{})
	op, ok := rebuilt.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Equal(t, 1, rebuilt.Stats().Backlog())
}

func TestCompressionRoundTrip(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{CompressionThreshold: 64})
	ctx := context.Background()

	long := make([]byte, 0, 1024)
	for i := 0; i < 64; i++ {
		long = append(long, []byte("repetitive body text")...)
	}
	payload, err := json.Marshal(map[string]string{"title": "big", "content": string(long)})
	require.NoError(t, err)

	id, err := q.Enqueue(ctx, model.Operation{
		Kind:       model.OpCreate,
		EntityType: model.EntityCard,
		Payload:    payload,
	})
	require.NoError(t, err)

	op, ok := q.Get(id)
	require.True(t, ok)
	assert.True(t, op.Metadata.Compressed)
	assert.Less(t, len(op.Payload), len(payload))

	decoded, err := DecodePayload(op)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(decoded))
}

func TestStatsBacklogAndTiers(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), QueueConfig{})
	ctx := context.Background()

	high := cardUpdate("card-h", "x")
	high.Priority = model.PriorityHigh
	_, err := q.Enqueue(ctx, high)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, cardUpdate("card-n", "x"))
	require.NoError(t, err)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Backlog())
	assert.Equal(t, 1, stats.ByPriority[model.PriorityHigh])
	assert.Equal(t, 1, stats.ByPriority[model.PriorityNormal])
	assert.False(t, stats.MemoryPressure)
}
