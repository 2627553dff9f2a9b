package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/errors"
	"github.com/Golden-forest/cardall-sync/internal/metrics"
	"github.com/Golden-forest/cardall-sync/internal/model"
	"github.com/Golden-forest/cardall-sync/internal/store"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const versionCacheSize = 1024

// VersionService owns per-entity version chains: a monotonically increasing
// version number, content digest and parent lineage per accepted change. An
// LRU cache sits over the durable store; the store remains authoritative and
// the cache is rebuilt from it on demand.
type VersionService struct {
	localStore store.LocalStore
	detector   *ChangeDetector
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache // entity key -> *model.VersionInfo (current)
}

// NewVersionService creates a version store.
func NewVersionService(
	localStore store.LocalStore,
	detector *ChangeDetector,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*VersionService, error) {
	cache, err := lru.New(versionCacheSize)
	if err != nil {
		return nil, err
	}
	return &VersionService{
		localStore: localStore,
		detector:   detector,
		metrics:    m,
		logger:     logger,
		cache:      cache,
	}, nil
}

func entityKey(entityType model.EntityType, entityID string) string {
	return fmt.Sprintf("%s|%s", entityType, entityID)
}

func currentRecordID(entityType model.EntityType, entityID string) string {
	return fmt.Sprintf("cur|%s|%s", entityType, entityID)
}

func versionRecordID(entityType model.EntityType, entityID string, version int64) string {
	return fmt.Sprintf("v|%s|%s|%012d", entityType, entityID, version)
}

func snapshotRecordID(entityType model.EntityType, entityID string) string {
	return fmt.Sprintf("data|%s|%s", entityType, entityID)
}

// CurrentVersion returns the entity's current version, or nil if the entity
// has never been versioned.
func (v *VersionService) CurrentVersion(ctx context.Context, entityType model.EntityType, entityID string) (*model.VersionInfo, error) {
	key := entityKey(entityType, entityID)

	v.mu.Lock()
	if cached, ok := v.cache.Get(key); ok {
		v.mu.Unlock()
		v.metrics.VersionCacheHits.Inc()
		info := *(cached.(*model.VersionInfo))
		return &info, nil
	}
	v.mu.Unlock()
	v.metrics.VersionCacheMisses.Inc()

	rec, err := v.localStore.Get(ctx, store.CollectionVersions, currentRecordID(entityType, entityID))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreTransient("load current version", err)
	}

	var info model.VersionInfo
	if err := json.Unmarshal(rec.Data, &info); err != nil {
		return nil, errors.CorruptedRecord(store.CollectionVersions, rec.ID, err)
	}

	v.mu.Lock()
	v.cache.Add(key, &info)
	v.mu.Unlock()
	cp := info
	return &cp, nil
}

// CurrentSnapshot returns the stored data for the entity's current version.
func (v *VersionService) CurrentSnapshot(ctx context.Context, entityType model.EntityType, entityID string) (json.RawMessage, error) {
	rec, err := v.localStore.Get(ctx, store.CollectionVersions, snapshotRecordID(entityType, entityID))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreTransient("load entity snapshot", err)
	}
	return rec.Data, nil
}

// CreateVersion records a new version for the entity if, and only if, the
// data actually changed. Returns the resulting version and whether a new
// one was allocated. Applying identical data twice is a no-op thanks to the
// digest short-circuit.
func (v *VersionService) CreateVersion(
	ctx context.Context,
	entityType model.EntityType,
	entityID string,
	data json.RawMessage,
	author string,
) (*model.VersionInfo, bool, error) {
	current, err := v.CurrentVersion(ctx, entityType, entityID)
	if err != nil {
		return nil, false, err
	}
	oldData, err := v.CurrentSnapshot(ctx, entityType, entityID)
	if err != nil {
		return nil, false, err
	}

	changes, err := v.detector.DetectChanges(oldData, data, entityType)
	if err != nil {
		return nil, false, err
	}
	if current != nil && !changes.HasChanges {
		return current, false, nil
	}

	info := model.VersionInfo{
		EntityID:   entityID,
		EntityType: entityType,
		Version:    1,
		Hash:       changes.Digest,
		Timestamp:  time.Now(),
		Author:     author,
		Metadata: model.VersionMetadata{
			ChangeCount:     len(changes.Changes),
			ImportantChange: changes.Important,
			Confidence:      changes.Confidence,
		},
	}
	if current != nil {
		info.Version = current.Version + 1
		info.ParentVersion = current.Version
	}

	encoded, err := json.Marshal(&info)
	if err != nil {
		return nil, false, fmt.Errorf("marshal version: %w", err)
	}
	if err := v.localStore.Put(ctx, store.CollectionVersions, store.Record{
		ID:   versionRecordID(entityType, entityID, info.Version),
		Data: encoded,
	}); err != nil {
		return nil, false, errors.StoreTransient("persist version record", err)
	}
	if err := v.localStore.Put(ctx, store.CollectionVersions, store.Record{
		ID:   currentRecordID(entityType, entityID),
		Data: encoded,
	}); err != nil {
		return nil, false, errors.StoreTransient("persist current version", err)
	}
	if err := v.localStore.Put(ctx, store.CollectionVersions, store.Record{
		ID:   snapshotRecordID(entityType, entityID),
		Data: append([]byte(nil), data...),
	}); err != nil {
		return nil, false, errors.StoreTransient("persist entity snapshot", err)
	}

	v.mu.Lock()
	v.cache.Add(entityKey(entityType, entityID), &info)
	v.mu.Unlock()

	v.metrics.VersionsCreatedTotal.Inc()
	v.logger.Debug("Version created",
		zap.String("entity_id", entityID),
		zap.String("entity_type", string(entityType)),
		zap.Int64("version", info.Version),
		zap.Int64("parent_version", info.ParentVersion),
		zap.String("hash", info.Hash))

	cp := info
	return &cp, true, nil
}

// History returns up to limit versions for the entity, newest first,
// following the parent chain.
func (v *VersionService) History(ctx context.Context, entityType model.EntityType, entityID string, limit int) ([]model.VersionInfo, error) {
	if limit <= 0 {
		limit = 10
	}
	current, err := v.CurrentVersion(ctx, entityType, entityID)
	if err != nil || current == nil {
		return nil, err
	}

	history := make([]model.VersionInfo, 0, limit)
	for version := current.Version; version >= 1 && len(history) < limit; version-- {
		rec, err := v.localStore.Get(ctx, store.CollectionVersions, versionRecordID(entityType, entityID, version))
		if err == store.ErrNotFound {
			break
		}
		if err != nil {
			return nil, errors.StoreTransient("load version history", err)
		}
		var info model.VersionInfo
		if err := json.Unmarshal(rec.Data, &info); err != nil {
			return nil, errors.CorruptedRecord(store.CollectionVersions, rec.ID, err)
		}
		history = append(history, info)
	}
	return history, nil
}

// InvalidateCache drops the cached current version for an entity.
func (v *VersionService) InvalidateCache(entityType model.EntityType, entityID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache.Remove(entityKey(entityType, entityID))
}
