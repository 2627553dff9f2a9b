package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/errors"
	"github.com/Golden-forest/cardall-sync/internal/metrics"
	"github.com/Golden-forest/cardall-sync/internal/model"
	"github.com/Golden-forest/cardall-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSnapshots(localStore store.LocalStore) *SnapshotService {
	return NewSnapshotService(localStore, metrics.NewNop(), zap.NewNop())
}

func TestSnapshotRoundTrip(t *testing.T) {
	localStore := store.NewMemoryStore()
	s := newTestSnapshots(localStore)
	ctx := context.Background()

	state := EngineState{
		Operations: []model.Operation{{
			ID: "op-1", Kind: model.OpUpdate, EntityType: model.EntityCard,
			EntityID: "card-1", Payload: json.RawMessage(`{"title":"x"}`),
			Status: model.StatusPending,
		}},
		Conflicts:     []model.ConflictInfo{{ID: "conf-1", EntityID: "card-2"}},
		NetworkWindow: []model.NetworkQuality{{Online: true, Reliability: 0.9}},
	}
	require.NoError(t, s.Write(ctx, state))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, snapshotFormatVersion, loaded.FormatVersion)
	require.Len(t, loaded.Operations, 1)
	assert.Equal(t, "op-1", loaded.Operations[0].ID)
	require.Len(t, loaded.Conflicts, 1)
	assert.Equal(t, "conf-1", loaded.Conflicts[0].ID)
	require.Len(t, loaded.NetworkWindow, 1)
	assert.InDelta(t, 0.9, loaded.NetworkWindow[0].Reliability, 1e-9)
}

func TestSnapshotLoadAbsent(t *testing.T) {
	s := newTestSnapshots(store.NewMemoryStore())

	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSnapshotWriteReplacesPrevious(t *testing.T) {
	localStore := store.NewMemoryStore()
	s := newTestSnapshots(localStore)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, EngineState{Operations: []model.Operation{{ID: "old"}}}))
	require.NoError(t, s.Write(ctx, EngineState{Operations: []model.Operation{{ID: "new"}}}))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Operations, 1)
	assert.Equal(t, "new", loaded.Operations[0].ID)
}

func TestSnapshotCorruptionDetected(t *testing.T) {
	localStore := store.NewMemoryStore()
	s := newTestSnapshots(localStore)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, EngineState{
		NetworkWindow: []model.NetworkQuality{{Online: true, AssessedAt: time.Now()}},
	}))

	// Flip one byte of the stored frame.
	rec, err := localStore.Get(ctx, store.CollectionSnapshots, snapshotRecordKey)
	require.NoError(t, err)
	rec.Data[0] ^= 0xFF
	require.NoError(t, localStore.Put(ctx, store.CollectionSnapshots, *rec))

	_, err = s.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err), "corruption must surface as an integrity error, got %v", err)
	assert.Equal(t, errors.ErrCodeChecksumMismatch, errors.Code(err))
}

func TestSnapshotTruncatedFrame(t *testing.T) {
	localStore := store.NewMemoryStore()
	s := newTestSnapshots(localStore)
	ctx := context.Background()

	require.NoError(t, localStore.Put(ctx, store.CollectionSnapshots, store.Record{
		ID: snapshotRecordKey, Data: []byte{0x01, 0x02},
	}))

	_, err := s.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err))
}

func TestSnapshotFormatVersionMismatch(t *testing.T) {
	localStore := store.NewMemoryStore()
	s := newTestSnapshots(localStore)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, EngineState{}))

	// Rewrite the stored frame with a bumped format version.
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	loaded.FormatVersion = snapshotFormatVersion + 1

	// Re-frame manually the way Write does, bypassing its version stamp.
	payload, err := json.Marshal(loaded)
	require.NoError(t, err)
	frame := frameSnapshot(payload)
	require.NoError(t, localStore.Put(ctx, store.CollectionSnapshots, store.Record{
		ID: snapshotRecordKey, Data: frame,
	}))

	_, err = s.Load(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeSnapshotVersionMismatch, errors.Code(err))
}
