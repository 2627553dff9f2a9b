package service

import (
	"context"
	"sync"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/config"
	"github.com/Golden-forest/cardall-sync/internal/errors"
	"github.com/Golden-forest/cardall-sync/internal/events"
	"github.com/Golden-forest/cardall-sync/internal/metrics"
	"github.com/Golden-forest/cardall-sync/internal/model"
	"github.com/Golden-forest/cardall-sync/internal/store"
	"github.com/Golden-forest/cardall-sync/internal/util/workerpool"
	"go.uber.org/zap"
)

// Engine is the single entry point for the sync layer. It owns the durable
// store, the event bus and every service, and exposes the operations a
// client application needs: enqueue mutations, trigger or schedule sync
// cycles, inspect and resolve conflicts.
type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	localStore store.LocalStore
	bus        *events.Bus
	pool       *workerpool.WorkerPool

	Queue     *QueueService
	Versions  *VersionService
	Conflicts *ConflictService
	Networks  *NetworkService
	Strategy  *StrategyService
	Predict   *PredictionService
	Snapshots *SnapshotService
	Sync      *SyncService

	syncMu    sync.Mutex // serializes sync cycles
	stopOnce  sync.Once
	stopCh    chan struct{}
	autoSyncW sync.WaitGroup
}

// NewEngine wires the full service graph. The durable store and remote
// applier are injected so tests and embedders can substitute their own.
// Restores engine state from the latest snapshot; an integrity failure is
// logged and recovery falls back to the durable store, which is always the
// source of truth.
func NewEngine(
	cfg *config.Config,
	localStore store.LocalStore,
	remote RemoteApplier,
	source ConnectivitySource,
	prober Prober,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Engine, error) {
	bus := events.NewBus(256, logger)
	detector := NewChangeDetector(logger)

	queue, err := NewQueueService(localStore, bus, m, logger, QueueConfig{
		MaxRetries:           cfg.Queue.MaxRetries,
		HistoryLimit:         cfg.Queue.HistoryLimit,
		CompressionThreshold: cfg.Queue.CompressionThreshold,
	})
	if err != nil {
		return nil, err
	}

	versions, err := NewVersionService(localStore, detector, m, logger)
	if err != nil {
		return nil, err
	}

	predict := NewPredictionService(cfg.Engine.PredictionEnabled, logger)

	conflicts, err := NewConflictService(versions, detector, localStore, bus, m, predict, logger, ConflictConfig{
		AutoResolveThreshold: cfg.Conflict.AutoResolveThreshold,
		MergeThreshold:       cfg.Conflict.MergeThreshold,
		TimestampThreshold:   cfg.Conflict.TimestampThreshold,
	})
	if err != nil {
		return nil, err
	}

	networks := NewNetworkService(source, prober, m, logger, NetworkConfig{
		ProbeEndpoints: cfg.Network.ProbeEndpoints,
		ProbeTimeout:   cfg.Network.ProbeTimeout,
		HistorySize:    cfg.Network.HistorySize,
	})

	snapshots := NewSnapshotService(localStore, m, logger)
	syncSvc := NewSyncService(queue, versions, conflicts, predict, remote, bus, m, logger, cfg.Engine.ClientID)

	pool := workerpool.New(&workerpool.Config{
		Name:       "sync-background",
		MaxWorkers: 2,
		QueueSize:  16,
		Logger:     logger,
	})

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		localStore: localStore,
		bus:        bus,
		pool:       pool,
		Queue:      queue,
		Versions:   versions,
		Conflicts:  conflicts,
		Networks:   networks,
		Strategy:   NewStrategyService(),
		Predict:    predict,
		Snapshots:  snapshots,
		Sync:       syncSvc,
		stopCh:     make(chan struct{}),
	}
	e.restoreSnapshot(context.Background())
	return e, nil
}

// restoreSnapshot seeds volatile state from the latest snapshot. Queue and
// conflict state are already rebuilt from the durable store by their
// services; the snapshot contributes only the network assessment window.
func (e *Engine) restoreSnapshot(ctx context.Context) {
	state, err := e.Snapshots.Load(ctx)
	if err != nil {
		if errors.IsIntegrity(err) {
			e.logger.Warn("Snapshot failed integrity check, recovering from durable store", zap.Error(err))
			return
		}
		e.logger.Warn("Snapshot load failed", zap.Error(err))
		return
	}
	if state == nil {
		return
	}
	e.Networks.RestoreHistory(state.NetworkWindow)
	e.logger.Info("Engine state restored from snapshot",
		zap.Time("created_at", state.CreatedAt),
		zap.Int("network_window", len(state.NetworkWindow)))
}

// Enqueue adds a mutation to the durable queue.
func (e *Engine) Enqueue(ctx context.Context, op model.Operation) (string, error) {
	return e.Queue.Enqueue(ctx, op)
}

// CancelOperation cancels a pending or retry-waiting operation.
func (e *Engine) CancelOperation(ctx context.Context, id, reason string) error {
	return e.Queue.Cancel(ctx, id, reason)
}

// SyncNow assesses the network, selects a strategy and runs one sync cycle.
// When offline the cycle is skipped entirely; queued operations stay put.
func (e *Engine) SyncNow(ctx context.Context) (model.SyncReport, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	quality := e.Networks.Assess(ctx)
	if !quality.Online {
		e.logger.Info("Offline, skipping sync cycle",
			zap.Int("backlog", e.Queue.Stats().Backlog()))
		return model.SyncReport{StartedAt: time.Now()}, nil
	}

	strategy := e.Strategy.Select(quality, e.Queue.Stats())
	report, err := e.Sync.RunSyncCycle(ctx, strategy, quality)
	if err != nil {
		return report, err
	}

	e.scheduleSnapshot()
	return report, nil
}

// scheduleSnapshot writes a state snapshot on the background pool so the
// sync path never waits on snapshot serialization.
func (e *Engine) scheduleSnapshot() {
	submitted := e.pool.TrySubmit(workerpool.Task{
		ID:      "snapshot-write",
		Timeout: 10 * time.Second,
		Fn: func(ctx context.Context) error {
			return e.writeSnapshot(ctx)
		},
	})
	if !submitted {
		e.logger.Warn("Snapshot write skipped, background pool saturated")
	}
}

func (e *Engine) writeSnapshot(ctx context.Context) error {
	return e.Snapshots.Write(ctx, EngineState{
		Operations:    e.Queue.PendingOperations(),
		Conflicts:     e.Conflicts.Pending(),
		NetworkWindow: e.Networks.History(),
	})
}

// StartAutoSync begins the periodic background sync loop. It returns
// immediately; the loop stops when ctx is cancelled or the engine closes.
func (e *Engine) StartAutoSync(ctx context.Context) {
	if !e.cfg.Engine.AutoSyncEnabled {
		e.logger.Info("Auto-sync disabled")
		return
	}

	e.autoSyncW.Add(1)
	go func() {
		defer e.autoSyncW.Done()
		ticker := time.NewTicker(e.cfg.Engine.SyncInterval)
		defer ticker.Stop()

		e.logger.Info("Auto-sync started", zap.Duration("interval", e.cfg.Engine.SyncInterval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				if e.Queue.Stats().Backlog() == 0 {
					continue
				}
				if _, err := e.SyncNow(ctx); err != nil {
					e.logger.Error("Auto-sync cycle failed", zap.Error(err))
				}
			}
		}
	}()
}

// Events returns a subscription to the engine's notification stream. The
// returned cancel function must be called when the subscriber is done.
func (e *Engine) Events() (<-chan model.Event, func()) {
	return e.bus.Subscribe()
}

// PendingConflicts lists unresolved conflicts awaiting a decision.
func (e *Engine) PendingConflicts() []model.ConflictInfo {
	return e.Conflicts.Pending()
}

// ResolveConflict applies a caller-chosen resolution.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution model.Resolution) (*model.ConflictInfo, error) {
	return e.Conflicts.Resolve(ctx, conflictID, resolution)
}

// Stats summarizes queue occupancy.
func (e *Engine) Stats() model.QueueStats {
	return e.Queue.Stats()
}

// Close stops background work, writes a final snapshot and releases the
// durable store.
func (e *Engine) Close() error {
	var closeErr error
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.autoSyncW.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.writeSnapshot(ctx); err != nil {
			e.logger.Warn("Final snapshot write failed", zap.Error(err))
		}

		if err := e.pool.Stop(5 * time.Second); err != nil {
			e.logger.Warn("Background pool stop timed out", zap.Error(err))
		}
		e.bus.Close()
		closeErr = e.localStore.Close()
	})
	return closeErr
}
