package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/errors"
	"github.com/Golden-forest/cardall-sync/internal/metrics"
	"github.com/Golden-forest/cardall-sync/internal/model"
	"github.com/Golden-forest/cardall-sync/internal/store"
	"github.com/Golden-forest/cardall-sync/internal/util"
	"github.com/golang/snappy"
	"go.uber.org/zap"
)

// snapshotFormatVersion is bumped whenever the snapshot layout changes.
// A mismatch on load triggers rebuild-from-store, not a hard failure.
const snapshotFormatVersion = 1

const snapshotRecordKey = "latest"

// EngineState is the crash-recovery snapshot payload: queue contents,
// unresolved conflicts and the network-quality rolling window.
type EngineState struct {
	FormatVersion int                    `json:"format_version"`
	CreatedAt     time.Time              `json:"created_at"`
	Operations    []model.Operation      `json:"operations"`
	Conflicts     []model.ConflictInfo   `json:"conflicts"`
	NetworkWindow []model.NetworkQuality `json:"network_window"`
}

// SnapshotService serializes engine state for crash recovery. Snapshots are
// snappy-compressed and carry a trailing CRC32 checksum; a checksum or
// format-version mismatch on load yields an integrity error so the caller
// rebuilds from the durable store instead of trusting corrupted data.
type SnapshotService struct {
	localStore store.LocalStore
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewSnapshotService creates a state snapshotter.
func NewSnapshotService(localStore store.LocalStore, m *metrics.Metrics, logger *zap.Logger) *SnapshotService {
	return &SnapshotService{
		localStore: localStore,
		metrics:    m,
		logger:     logger,
	}
}

// Write persists the snapshot, replacing the previous one.
func (s *SnapshotService) Write(ctx context.Context, state EngineState) error {
	state.FormatVersion = snapshotFormatVersion
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(&state)
	if err != nil {
		return err
	}
	frame := frameSnapshot(payload)

	if err := s.localStore.Put(ctx, store.CollectionSnapshots, store.Record{
		ID:   snapshotRecordKey,
		Data: frame,
	}); err != nil {
		return errors.StoreTransient("persist snapshot", err)
	}

	s.metrics.SnapshotWritesTotal.Inc()
	s.logger.Debug("Snapshot written",
		zap.Int("operations", len(state.Operations)),
		zap.Int("conflicts", len(state.Conflicts)),
		zap.Int("bytes", len(frame)))
	return nil
}

// frameSnapshot compresses a serialized snapshot and appends its checksum.
func frameSnapshot(payload []byte) []byte {
	return util.AppendChecksum(snappy.Encode(nil, payload))
}

// Load reads and verifies the latest snapshot. Returns (nil, nil) when no
// snapshot exists, and an integrity error when verification fails.
func (s *SnapshotService) Load(ctx context.Context) (*EngineState, error) {
	rec, err := s.localStore.Get(ctx, store.CollectionSnapshots, snapshotRecordKey)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreTransient("load snapshot", err)
	}

	compressed, storedSum, ok := util.SplitChecksum(rec.Data)
	if !ok {
		s.metrics.SnapshotIntegrityFailuresTotal.Inc()
		return nil, errors.ChecksumMismatch(0, 0)
	}
	if actual := util.ComputeChecksum(compressed); actual != storedSum {
		s.metrics.SnapshotIntegrityFailuresTotal.Inc()
		s.logger.Warn("Snapshot checksum mismatch, rebuilding from store",
			zap.Uint32("expected", storedSum),
			zap.Uint32("actual", actual))
		return nil, errors.ChecksumMismatch(storedSum, actual)
	}

	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		s.metrics.SnapshotIntegrityFailuresTotal.Inc()
		return nil, errors.CorruptedRecord(store.CollectionSnapshots, snapshotRecordKey, err)
	}

	var state EngineState
	if err := json.Unmarshal(payload, &state); err != nil {
		s.metrics.SnapshotIntegrityFailuresTotal.Inc()
		return nil, errors.CorruptedRecord(store.CollectionSnapshots, snapshotRecordKey, err)
	}
	if state.FormatVersion != snapshotFormatVersion {
		s.metrics.SnapshotIntegrityFailuresTotal.Inc()
		return nil, errors.SnapshotVersionMismatch(state.FormatVersion, snapshotFormatVersion)
	}
	return &state, nil
}
