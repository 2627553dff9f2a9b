package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/errors"
	"github.com/Golden-forest/cardall-sync/internal/events"
	"github.com/Golden-forest/cardall-sync/internal/metrics"
	"github.com/Golden-forest/cardall-sync/internal/model"
	"github.com/Golden-forest/cardall-sync/internal/store"
	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"
)

// ConflictConfig holds the analyzer's threshold contract. Defaults:
// similarity above TimestampThreshold suggests resolving toward the later
// write, above MergeThreshold suggests merge, below that manual; automatic
// resolution requires confidence above AutoResolveThreshold.
type ConflictConfig struct {
	AutoResolveThreshold float64
	MergeThreshold       float64
	TimestampThreshold   float64
}

// ConflictService decides whether a concurrent-modification conflict exists
// between local and remote state, grades its severity and suggests a
// resolution. Conflicts are never errors: they are a first-class
// resolved/unresolved state surfaced through the event bus.
type ConflictService struct {
	cfg        ConflictConfig
	versions   *VersionService
	detector   *ChangeDetector
	localStore store.LocalStore
	bus        *events.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger
	predict    *PredictionService

	mu      sync.Mutex
	pending map[string]*model.ConflictInfo
}

// NewConflictService creates a conflict analyzer. predict may be nil; it
// only biases the advisory prediction score, never detection itself.
func NewConflictService(
	versions *VersionService,
	detector *ChangeDetector,
	localStore store.LocalStore,
	bus *events.Bus,
	m *metrics.Metrics,
	predict *PredictionService,
	logger *zap.Logger,
	cfg ConflictConfig,
) (*ConflictService, error) {
	if cfg.AutoResolveThreshold == 0 {
		cfg.AutoResolveThreshold = 0.8
	}
	if cfg.MergeThreshold == 0 {
		cfg.MergeThreshold = 0.7
	}
	if cfg.TimestampThreshold == 0 {
		cfg.TimestampThreshold = 0.9
	}

	c := &ConflictService{
		cfg:        cfg,
		versions:   versions,
		detector:   detector,
		localStore: localStore,
		bus:        bus,
		metrics:    m,
		predict:    predict,
		logger:     logger,
		pending:    make(map[string]*model.ConflictInfo),
	}
	if err := c.rebuild(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ConflictService) rebuild(ctx context.Context) error {
	var loadErr error
	err := c.localStore.Scan(ctx, store.CollectionConflicts, func(rec store.Record) bool {
		var info model.ConflictInfo
		if err := json.Unmarshal(rec.Data, &info); err != nil {
			loadErr = errors.CorruptedRecord(store.CollectionConflicts, rec.ID, err)
			return false
		}
		if !info.Resolved() {
			c.pending[info.ID] = &info
		}
		return true
	})
	if err != nil {
		return err
	}
	return loadErr
}

// CheckConflict decides whether applying incomingData at expectedVersion
// conflicts with the entity's current version. Returns nil when there is no
// conflict. remoteTimestamp is the remote edit's own timestamp, used for
// timestamp-based resolution suggestions.
func (c *ConflictService) CheckConflict(
	ctx context.Context,
	entityType model.EntityType,
	entityID string,
	expectedVersion int64,
	incomingData json.RawMessage,
	remoteTimestamp time.Time,
) (*model.ConflictInfo, error) {
	current, err := c.versions.CurrentVersion(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	// New entity: nothing to conflict with.
	if current == nil {
		return nil, nil
	}

	incomingDigest, err := c.detector.Digest(incomingData)
	if err != nil {
		return nil, err
	}
	if expectedVersion == current.Version && incomingDigest == current.Hash {
		return nil, nil
	}

	conflictType := model.ConflictConcurrentModification
	if expectedVersion == current.Version {
		// Same version but diverged content: something wrote around the
		// version store.
		conflictType = model.ConflictOutOfBandWrite
	}

	localData, err := c.versions.CurrentSnapshot(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	similarity := contentSimilarity(localData, incomingData)
	suggested := c.suggestResolution(similarity, current.Timestamp, remoteTimestamp)

	info := &model.ConflictInfo{
		ID:                       uuid.NewString(),
		EntityID:                 entityID,
		EntityType:               entityType,
		LocalSnapshot:            append(json.RawMessage(nil), localData...),
		RemoteSnapshot:           append(json.RawMessage(nil), incomingData...),
		LocalVersion:             current.Version,
		ExpectedVersion:          expectedVersion,
		Type:                     conflictType,
		Severity:                 severityFor(similarity),
		Similarity:               similarity,
		SuggestedResolution:      suggested,
		AutoResolutionConfidence: autoConfidence(similarity, suggested),
		DetectedAt:               time.Now(),
	}
	if c.predict != nil {
		info.PredictionScore = c.predict.ConflictLikelihood(entityType)
	}

	c.metrics.ConflictsDetectedTotal.Inc()

	if suggested != model.ResolveManual && info.AutoResolutionConfidence > c.cfg.AutoResolveThreshold {
		return c.autoResolve(ctx, info)
	}

	if err := c.persist(ctx, info); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.pending[info.ID] = info
	c.mu.Unlock()

	c.bus.Publish(model.Event{
		Type:       model.EventConflictDetected,
		ConflictID: info.ID,
		EntityID:   entityID,
		EntityType: entityType,
	})
	c.logger.Info("Conflict detected",
		zap.String("conflict_id", info.ID),
		zap.String("entity_id", entityID),
		zap.String("severity", string(info.Severity)),
		zap.Float64("similarity", similarity),
		zap.String("suggested", string(suggested)))

	return info.Clone(), nil
}

// autoResolve applies the suggested resolution immediately.
func (c *ConflictService) autoResolve(ctx context.Context, info *model.ConflictInfo) (*model.ConflictInfo, error) {
	info.AutoResolved = true
	if _, err := c.applyResolution(ctx, info, info.SuggestedResolution); err != nil {
		return nil, err
	}
	c.metrics.ConflictsAutoResolvedTotal.Inc()
	c.logger.Info("Conflict auto-resolved",
		zap.String("conflict_id", info.ID),
		zap.String("entity_id", info.EntityID),
		zap.String("resolution", string(info.Resolution)),
		zap.Float64("confidence", info.AutoResolutionConfidence))
	return info.Clone(), nil
}

// Resolve applies a caller-chosen resolution to a pending conflict.
// Resolving an already-resolved conflict with the same choice is a no-op.
func (c *ConflictService) Resolve(ctx context.Context, conflictID string, resolution model.Resolution) (*model.ConflictInfo, error) {
	c.mu.Lock()
	info, ok := c.pending[conflictID]
	c.mu.Unlock()
	if !ok {
		stored, err := c.load(ctx, conflictID)
		if err != nil {
			return nil, err
		}
		if stored.Resolved() {
			return stored, nil
		}
		info = stored
	}
	if info.Resolved() {
		return info.Clone(), nil
	}
	return c.applyResolution(ctx, info, resolution)
}

func (c *ConflictService) applyResolution(ctx context.Context, info *model.ConflictInfo, resolution model.Resolution) (*model.ConflictInfo, error) {
	var winner json.RawMessage
	switch resolution {
	case model.ResolveLocal:
		winner = info.LocalSnapshot
	case model.ResolveRemote:
		winner = info.RemoteSnapshot
	case model.ResolveMerge:
		merged, err := mergeSnapshots(info.LocalSnapshot, info.RemoteSnapshot)
		if err != nil {
			return nil, err
		}
		winner = merged
	case model.ResolveManual:
		return nil, errors.InvalidArgument("manual is not an applicable resolution; choose local, remote or merge")
	default:
		return nil, errors.InvalidArgument("unknown resolution: " + string(resolution))
	}

	// Record the winning content as the next version so a re-run of
	// CheckConflict with the post-resolution version reports no conflict.
	if _, _, err := c.versions.CreateVersion(ctx, info.EntityType, info.EntityID, winner, "conflict-resolver"); err != nil {
		return nil, err
	}

	info.Resolution = resolution
	info.ResolvedAt = time.Now()
	if err := c.persist(ctx, info); err != nil {
		return nil, err
	}

	c.mu.Lock()
	delete(c.pending, info.ID)
	c.mu.Unlock()

	c.metrics.ConflictsResolvedTotal.Inc()
	c.bus.Publish(model.Event{
		Type:       model.EventConflictResolved,
		ConflictID: info.ID,
		EntityID:   info.EntityID,
		EntityType: info.EntityType,
	})
	return info.Clone(), nil
}

// Pending returns unresolved conflicts awaiting caller-driven resolution.
func (c *ConflictService) Pending() []model.ConflictInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ConflictInfo, 0, len(c.pending))
	for _, info := range c.pending {
		out = append(out, *info.Clone())
	}
	return out
}

func (c *ConflictService) persist(ctx context.Context, info *model.ConflictInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := c.localStore.Put(ctx, store.CollectionConflicts, store.Record{ID: info.ID, Data: data}); err != nil {
		return errors.StoreTransient("persist conflict", err)
	}
	return nil
}

func (c *ConflictService) load(ctx context.Context, conflictID string) (*model.ConflictInfo, error) {
	rec, err := c.localStore.Get(ctx, store.CollectionConflicts, conflictID)
	if err == store.ErrNotFound {
		return nil, errors.InvalidArgument("conflict not found: " + conflictID)
	}
	if err != nil {
		return nil, errors.StoreTransient("load conflict", err)
	}
	var info model.ConflictInfo
	if err := json.Unmarshal(rec.Data, &info); err != nil {
		return nil, errors.CorruptedRecord(store.CollectionConflicts, rec.ID, err)
	}
	return &info, nil
}

// suggestResolution maps content similarity to a suggested resolution.
func (c *ConflictService) suggestResolution(similarity float64, localTS, remoteTS time.Time) model.Resolution {
	switch {
	case similarity > c.cfg.TimestampThreshold:
		// Near-identical content: the later write wins.
		if remoteTS.After(localTS) {
			return model.ResolveRemote
		}
		return model.ResolveLocal
	case similarity > c.cfg.MergeThreshold:
		return model.ResolveMerge
	default:
		return model.ResolveManual
	}
}

// severityFor inverts the similarity thresholds: near-identical content is
// a low-severity conflict, heavy divergence is high.
func severityFor(similarity float64) model.Severity {
	switch {
	case similarity > 0.9:
		return model.SeverityLow
	case similarity > 0.7:
		return model.SeverityMedium
	case similarity > 0.4:
		return model.SeverityHigh
	default:
		return model.SeverityCritical
	}
}

func autoConfidence(similarity float64, suggested model.Resolution) float64 {
	if suggested == model.ResolveManual {
		return similarity * 0.5
	}
	return similarity
}

// contentSimilarity computes a normalized edit-distance similarity between
// two serialized snapshots: 1 - levenshtein/maxLen over their canonical
// encodings.
func contentSimilarity(local, remote json.RawMessage) float64 {
	a, b := string(local), string(remote)
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	distance := dmp.DiffLevenshtein(diffs)
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1.0
	}
	sim := 1.0 - float64(distance)/float64(maxLen)
	if sim < 0 {
		return 0
	}
	return sim
}

// mergeSnapshots performs a field-level union merge: remote fields win on
// collision, local-only fields are retained.
func mergeSnapshots(local, remote json.RawMessage) (json.RawMessage, error) {
	var localFields, remoteFields map[string]interface{}
	if err := json.Unmarshal(local, &localFields); err != nil {
		return nil, errors.InvalidArgument("local snapshot is not a JSON object")
	}
	if err := json.Unmarshal(remote, &remoteFields); err != nil {
		return nil, errors.InvalidArgument("remote snapshot is not a JSON object")
	}
	merged := make(map[string]interface{}, len(localFields)+len(remoteFields))
	for k, v := range localFields {
		merged[k] = v
	}
	for k, v := range remoteFields {
		merged[k] = v
	}
	return json.Marshal(merged)
}
