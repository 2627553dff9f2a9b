package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/events"
	"github.com/Golden-forest/cardall-sync/internal/metrics"
	"github.com/Golden-forest/cardall-sync/internal/model"
	"github.com/Golden-forest/cardall-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type conflictFixture struct {
	conflicts *ConflictService
	versions  *VersionService
	store     store.LocalStore
}

func newConflictFixture(t *testing.T, cfg ConflictConfig) *conflictFixture {
	t.Helper()
	localStore := store.NewMemoryStore()
	bus := events.NewBus(64, zap.NewNop())
	t.Cleanup(bus.Close)
	detector := NewChangeDetector(zap.NewNop())
	versions, err := NewVersionService(localStore, detector, metrics.NewNop(), zap.NewNop())
	require.NoError(t, err)
	conflicts, err := NewConflictService(versions, detector, localStore, bus, metrics.NewNop(), nil, zap.NewNop(), cfg)
	require.NoError(t, err)
	return &conflictFixture{conflicts: conflicts, versions: versions, store: localStore}
}

func (f *conflictFixture) seed(t *testing.T, entityID string, data string) *model.VersionInfo {
	t.Helper()
	info, _, err := f.versions.CreateVersion(context.Background(), model.EntityCard, entityID, json.RawMessage(data), "local")
	require.NoError(t, err)
	return info
}

func TestCheckConflictNewEntity(t *testing.T) {
	f := newConflictFixture(t, ConflictConfig{})

	info, err := f.conflicts.CheckConflict(context.Background(), model.EntityCard, "fresh", 0,
		json.RawMessage(`{"title":"x"}`), time.Now())
	require.NoError(t, err)
	assert.Nil(t, info, "an entity without local versions cannot conflict")
}

func TestCheckConflictMatchingVersionAndContent(t *testing.T) {
	f := newConflictFixture(t, ConflictConfig{})
	current := f.seed(t, "card-1", `{"title":"same"}`)

	info, err := f.conflicts.CheckConflict(context.Background(), model.EntityCard, "card-1",
		current.Version, json.RawMessage(`{"title":"same"}`), time.Now())
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestCheckConflictStaleVersionDetected(t *testing.T) {
	// Thresholds pushed up so nothing auto-resolves in this test.
	f := newConflictFixture(t, ConflictConfig{AutoResolveThreshold: 0.999, MergeThreshold: 0.7, TimestampThreshold: 0.9})
	f.seed(t, "card-1", `{"title":"local edit","content":"local body text"}`)

	info, err := f.conflicts.CheckConflict(context.Background(), model.EntityCard, "card-1",
		0, json.RawMessage(`{"title":"remote edit","content":"totally different remote body"}`), time.Now())
	require.NoError(t, err)
	require.NotNil(t, info)

	assert.Equal(t, model.ConflictConcurrentModification, info.Type)
	assert.False(t, info.Resolved())
	assert.Len(t, f.conflicts.Pending(), 1)
}

func TestCheckConflictOutOfBandWrite(t *testing.T) {
	f := newConflictFixture(t, ConflictConfig{AutoResolveThreshold: 0.999})
	current := f.seed(t, "card-1", `{"title":"alpha","content":"shared body"}`)

	// Same expected version but diverged content.
	info, err := f.conflicts.CheckConflict(context.Background(), model.EntityCard, "card-1",
		current.Version, json.RawMessage(`{"title":"omega","content":"rewritten elsewhere"}`), time.Now())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, model.ConflictOutOfBandWrite, info.Type)
}

func TestCheckConflictAutoResolvesNearIdentical(t *testing.T) {
	f := newConflictFixture(t, ConflictConfig{})
	f.seed(t, "card-1", `{"title":"grocery list","content":"milk, eggs, bread"}`)

	remote := json.RawMessage(`{"title":"grocery list","content":"milk, eggs, bread!"}`)
	info, err := f.conflicts.CheckConflict(context.Background(), model.EntityCard, "card-1",
		0, remote, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, info)

	// Near-identical content, remote is later: remote wins automatically.
	assert.True(t, info.AutoResolved)
	assert.Equal(t, model.ResolveRemote, info.Resolution)
	assert.True(t, info.Resolved())
	assert.Empty(t, f.conflicts.Pending())

	snapshot, err := f.versions.CurrentSnapshot(context.Background(), model.EntityCard, "card-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(remote), string(snapshot))
}

func TestResolveManualConflictWithMerge(t *testing.T) {
	f := newConflictFixture(t, ConflictConfig{AutoResolveThreshold: 0.999})
	f.seed(t, "card-1", `{"title":"local title","folder_id":"f1"}`)

	info, err := f.conflicts.CheckConflict(context.Background(), model.EntityCard, "card-1",
		0, json.RawMessage(`{"title":"remote title","archived":true}`), time.Now())
	require.NoError(t, err)
	require.NotNil(t, info)
	require.False(t, info.Resolved())

	resolved, err := f.conflicts.Resolve(context.Background(), info.ID, model.ResolveMerge)
	require.NoError(t, err)
	assert.Equal(t, model.ResolveMerge, resolved.Resolution)

	// Field union with remote winning collisions.
	snapshot, err := f.versions.CurrentSnapshot(context.Background(), model.EntityCard, "card-1")
	require.NoError(t, err)
	var merged map[string]interface{}
	require.NoError(t, json.Unmarshal(snapshot, &merged))
	assert.Equal(t, "remote title", merged["title"])
	assert.Equal(t, "f1", merged["folder_id"])
	assert.Equal(t, true, merged["archived"])
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newConflictFixture(t, ConflictConfig{AutoResolveThreshold: 0.999})
	f.seed(t, "card-1", `{"title":"local","content":"aaaa"}`)

	info, err := f.conflicts.CheckConflict(context.Background(), model.EntityCard, "card-1",
		0, json.RawMessage(`{"title":"remote","content":"zzzz"}`), time.Now())
	require.NoError(t, err)
	require.NotNil(t, info)

	first, err := f.conflicts.Resolve(context.Background(), info.ID, model.ResolveLocal)
	require.NoError(t, err)

	// Re-resolving returns the settled record without applying again.
	second, err := f.conflicts.Resolve(context.Background(), info.ID, model.ResolveRemote)
	require.NoError(t, err)
	assert.Equal(t, first.Resolution, second.Resolution)
}

func TestResolveRejectsManualChoice(t *testing.T) {
	f := newConflictFixture(t, ConflictConfig{AutoResolveThreshold: 0.999})
	f.seed(t, "card-1", `{"title":"local","content":"aaaa"}`)

	info, err := f.conflicts.CheckConflict(context.Background(), model.EntityCard, "card-1",
		0, json.RawMessage(`{"title":"remote","content":"zzzz"}`), time.Now())
	require.NoError(t, err)
	require.NotNil(t, info)

	_, err = f.conflicts.Resolve(context.Background(), info.ID, model.ResolveManual)
	assert.Error(t, err)
}

func TestPendingConflictsSurviveRestart(t *testing.T) {
	localStore := store.NewMemoryStore()
	bus := events.NewBus(64, zap.NewNop())
	defer bus.Close()
	detector := NewChangeDetector(zap.NewNop())
	versions, err := NewVersionService(localStore, detector, metrics.NewNop(), zap.NewNop())
	require.NoError(t, err)
	conflicts, err := NewConflictService(versions, detector, localStore, bus, metrics.NewNop(), nil, zap.NewNop(),
		ConflictConfig{AutoResolveThreshold: 0.999})
	require.NoError(t, err)

	_, _, err = versions.CreateVersion(context.Background(), model.EntityCard, "card-1", json.RawMessage(`{"title":"local","content":"aaaa"}`), "local")
	require.NoError(t, err)
	info, err := conflicts.CheckConflict(context.Background(), model.EntityCard, "card-1",
		0, json.RawMessage(`{"title":"remote","content":"zzzz"}`), time.Now())
	require.NoError(t, err)
	require.NotNil(t, info)

	rebuilt, err := NewConflictService(versions, detector, localStore, bus, metrics.NewNop(), nil, zap.NewNop(),
		ConflictConfig{AutoResolveThreshold: 0.999})
	require.NoError(t, err)

	pending := rebuilt.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, info.ID, pending[0].ID)
}

func TestContentSimilarityBounds(t *testing.T) {
	assert.Equal(t, 1.0, contentSimilarity(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":1}`)))
	assert.Equal(t, 0.0, contentSimilarity(nil, json.RawMessage(`{"a":1}`)))

	sim := contentSimilarity(
		json.RawMessage(`{"title":"grocery list"}`),
		json.RawMessage(`{"title":"grocery lists"}`),
	)
	assert.Greater(t, sim, 0.9)
}

func TestSeverityTracksSimilarity(t *testing.T) {
	assert.Equal(t, model.SeverityLow, severityFor(0.95))
	assert.Equal(t, model.SeverityMedium, severityFor(0.8))
	assert.Equal(t, model.SeverityHigh, severityFor(0.5))
	assert.Equal(t, model.SeverityCritical, severityFor(0.2))
}
