package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Golden-forest/cardall-sync/internal/metrics"
	"github.com/Golden-forest/cardall-sync/internal/model"
	"github.com/Golden-forest/cardall-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestVersions(t *testing.T, localStore store.LocalStore) *VersionService {
	t.Helper()
	v, err := NewVersionService(localStore, NewChangeDetector(zap.NewNop()), metrics.NewNop(), zap.NewNop())
	require.NoError(t, err)
	return v
}

func TestCreateVersionFirstVersion(t *testing.T) {
	v := newTestVersions(t, store.NewMemoryStore())
	ctx := context.Background()

	info, created, err := v.CreateVersion(ctx, model.EntityCard, "card-1", json.RawMessage(`{"title":"first"}`), "device-a")
	require.NoError(t, err)

	assert.True(t, created)
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, int64(0), info.ParentVersion)
	assert.Equal(t, "device-a", info.Author)
	assert.NotEmpty(t, info.Hash)
}

func TestCreateVersionIdempotentOnSameContent(t *testing.T) {
	v := newTestVersions(t, store.NewMemoryStore())
	ctx := context.Background()

	first, _, err := v.CreateVersion(ctx, model.EntityCard, "card-1", json.RawMessage(`{"title":"x"}`), "a")
	require.NoError(t, err)

	// Same content, different key order and volatile noise: no new version.
	again, created, err := v.CreateVersion(ctx, model.EntityCard, "card-1",
		json.RawMessage(`{"sync_status":"dirty","title":"x"}`), "a")
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first.Version, again.Version)
}

func TestCreateVersionMonotonicChain(t *testing.T) {
	v := newTestVersions(t, store.NewMemoryStore())
	ctx := context.Background()

	for i, title := range []string{"one", "two", "three"} {
		payload, _ := json.Marshal(map[string]string{"title": title})
		info, created, err := v.CreateVersion(ctx, model.EntityCard, "card-1", payload, "a")
		require.NoError(t, err)
		require.True(t, created)
		assert.Equal(t, int64(i+1), info.Version)
		assert.Equal(t, int64(i), info.ParentVersion)
	}

	current, err := v.CurrentVersion(ctx, model.EntityCard, "card-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, int64(3), current.Version)

	snapshot, err := v.CurrentSnapshot(ctx, model.EntityCard, "card-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"three"}`, string(snapshot))
}

func TestCurrentVersionUnknownEntity(t *testing.T) {
	v := newTestVersions(t, store.NewMemoryStore())

	info, err := v.CurrentVersion(context.Background(), model.EntityCard, "ghost")
	require.NoError(t, err)
	assert.Nil(t, info)

	snapshot, err := v.CurrentSnapshot(context.Background(), model.EntityCard, "ghost")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestHistoryNewestFirst(t *testing.T) {
	v := newTestVersions(t, store.NewMemoryStore())
	ctx := context.Background()

	for _, title := range []string{"one", "two", "three", "four"} {
		payload, _ := json.Marshal(map[string]string{"title": title})
		_, _, err := v.CreateVersion(ctx, model.EntityCard, "card-1", payload, "a")
		require.NoError(t, err)
	}

	history, err := v.History(ctx, model.EntityCard, "card-1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(4), history[0].Version)
	assert.Equal(t, int64(3), history[1].Version)
	assert.Equal(t, int64(2), history[2].Version)
}

func TestVersionSurvivesRestart(t *testing.T) {
	localStore := store.NewMemoryStore()
	ctx := context.Background()

	v := newTestVersions(t, localStore)
	_, _, err := v.CreateVersion(ctx, model.EntityCard, "card-1", json.RawMessage(`{"title":"kept"}`), "a")
	require.NoError(t, err)

	// Fresh service over the same store: cache is cold, store is truth.
	rebuilt := newTestVersions(t, localStore)
	current, err := rebuilt.CurrentVersion(ctx, model.EntityCard, "card-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, int64(1), current.Version)
}

func TestCreateVersionRecordsChangeMetadata(t *testing.T) {
	v := newTestVersions(t, store.NewMemoryStore())
	ctx := context.Background()

	_, _, err := v.CreateVersion(ctx, model.EntityCard, "card-1", json.RawMessage(`{"title":"a","position":1}`), "a")
	require.NoError(t, err)

	info, created, err := v.CreateVersion(ctx, model.EntityCard, "card-1", json.RawMessage(`{"title":"b","position":1}`), "a")
	require.NoError(t, err)
	require.True(t, created)

	assert.Equal(t, 1, info.Metadata.ChangeCount)
	assert.True(t, info.Metadata.ImportantChange)
	assert.Equal(t, model.ConfidenceHigh, info.Metadata.Confidence)
}

func TestInvalidateCache(t *testing.T) {
	localStore := store.NewMemoryStore()
	v := newTestVersions(t, localStore)
	ctx := context.Background()

	_, _, err := v.CreateVersion(ctx, model.EntityCard, "card-1", json.RawMessage(`{"title":"x"}`), "a")
	require.NoError(t, err)

	v.InvalidateCache(model.EntityCard, "card-1")
	current, err := v.CurrentVersion(ctx, model.EntityCard, "card-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, int64(1), current.Version)
}
