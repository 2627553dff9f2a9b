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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentBatches caps in-flight batches independently of the
// per-operation ceiling.
const maxConcurrentBatches = 2

// ApplyResult is the remote authority's answer for one operation.
type ApplyResult struct {
	OK              bool
	AppliedVersion  int64
	RemoteData      json.RawMessage
	RemoteTimestamp time.Time
	Conflict        bool
	RejectReason    string
}

// RemoteApplier applies operations against the remote backend. It must be
// idempotent keyed by operation id: re-applying after a retry must not
// double-apply.
type RemoteApplier interface {
	Apply(ctx context.Context, op model.Operation) (ApplyResult, error)
}

// SyncService drains the operation queue in batches under a chosen
// strategy, executes operations against the remote applier and routes each
// result: successes into the version store, version mismatches into the
// conflict analyzer, transient failures back into the queue with backoff.
type SyncService struct {
	queue     *QueueService
	versions  *VersionService
	conflicts *ConflictService
	predict   *PredictionService
	remote    RemoteApplier
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clientID  string
}

// NewSyncService creates a sync orchestrator.
func NewSyncService(
	queue *QueueService,
	versions *VersionService,
	conflicts *ConflictService,
	predict *PredictionService,
	remote RemoteApplier,
	bus *events.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
	clientID string,
) *SyncService {
	return &SyncService{
		queue:     queue,
		versions:  versions,
		conflicts: conflicts,
		predict:   predict,
		remote:    remote,
		bus:       bus,
		metrics:   m,
		logger:    logger,
		clientID:  clientID,
	}
}

// cycleState tracks aggregate counts across concurrent batches.
type cycleState struct {
	mu        sync.Mutex
	report    model.SyncReport
	completed int
	total     int
	stable    bool
	strategy  model.SyncStrategy
}

func (cs *cycleState) progress() (int, int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.completed, cs.total
}

// RunSyncCycle executes one bounded drain of the queue. Cancelling ctx
// stops the admission of new operations immediately; operations already in
// flight run to completion or their own timeout, never a forced abort that
// could leave a partial remote write.
func (s *SyncService) RunSyncCycle(ctx context.Context, strategy model.SyncStrategy, quality model.NetworkQuality) (model.SyncReport, error) {
	start := time.Now()
	stats := s.queue.Stats()
	state := &cycleState{
		total:    stats.Backlog(),
		stable:   quality.IsStable,
		strategy: strategy,
	}
	state.report.StartedAt = start

	opSem := semaphore.NewWeighted(int64(maxInt(1, strategy.MaxConcurrentOps)))
	batchSem := semaphore.NewWeighted(maxConcurrentBatches)
	group := &errgroup.Group{}

	s.logger.Info("Sync cycle started",
		zap.String("mode", string(strategy.Mode)),
		zap.Int("batch_size", strategy.BatchSize),
		zap.Int("max_concurrent_ops", strategy.MaxConcurrentOps),
		zap.Int("backlog", state.total))

	// Anti-starvation pass: one batch per eligible tier present, so lower
	// tiers make progress every cycle even under a flood of higher ones.
	for _, tier := range model.AllPriorities {
		if !strategy.AllowsPriority(tier) || stats.ByPriority[tier] == 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		batch := s.queue.DequeueTier(ctx, tier, s.tierBatchSize(strategy, state))
		s.scheduleBatch(ctx, group, batchSem, opSem, state, batch)
	}

	// Main drain: pull priority-ordered batches until the queue is empty,
	// the cycle is cancelled, or nothing is currently executable.
	for {
		if ctx.Err() != nil {
			state.mu.Lock()
			state.report.Cancelled = true
			state.mu.Unlock()
			break
		}
		batch := s.queue.DequeueBatch(ctx, strategy)
		if len(batch) == 0 {
			break
		}
		s.scheduleBatch(ctx, group, batchSem, opSem, state, batch)

		if strategy.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(strategy.InterBatchDelay):
			}
		}
	}

	if err := group.Wait(); err != nil {
		s.logger.Error("Sync cycle batch error", zap.Error(err))
	}

	state.mu.Lock()
	report := state.report
	state.mu.Unlock()
	report.Duration = time.Since(start)

	s.metrics.SyncCyclesTotal.Inc()
	s.metrics.SyncCycleDuration.Observe(report.Duration.Seconds())
	s.bus.Publish(model.Event{
		Type:   model.EventSyncCycleComplete,
		Report: &report,
	})
	s.logger.Info("Sync cycle complete",
		zap.Int("synced", report.Synced),
		zap.Int("conflicted", report.Conflicted),
		zap.Int("failed", report.Failed),
		zap.Int("batches", report.Batches),
		zap.Bool("cancelled", report.Cancelled),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// tierBatchSize applies the advisory prediction bias to the configured
// batch size. Prediction never gates correctness, only sizing.
func (s *SyncService) tierBatchSize(strategy model.SyncStrategy, state *cycleState) int {
	if s.predict == nil {
		return strategy.BatchSize
	}
	return s.predict.AdjustBatchSize(strategy.BatchSize, model.OpUpdate, model.EntityCard, state.stable)
}

// scheduleBatch marks a batch processing and dispatches it under both
// concurrency ceilings. A failing batch never blocks independent batches.
func (s *SyncService) scheduleBatch(
	ctx context.Context,
	group *errgroup.Group,
	batchSem, opSem *semaphore.Weighted,
	state *cycleState,
	batch []model.Operation,
) {
	if len(batch) == 0 {
		return
	}

	// Claim the operations before dispatch so overlapping dequeues cannot
	// select them twice.
	claimed := batch[:0]
	for _, op := range batch {
		if err := s.queue.MarkProcessing(context.Background(), op.ID); err != nil {
			continue
		}
		claimed = append(claimed, op)
	}
	if len(claimed) == 0 {
		return
	}

	if err := batchSem.Acquire(ctx, 1); err != nil {
		// Cycle cancelled while waiting for a batch slot: release the
		// claim so the operations run next cycle.
		for _, op := range claimed {
			if rqErr := s.queue.Requeue(context.Background(), op.ID); rqErr != nil {
				s.logger.Warn("Failed to requeue claimed operation",
					zap.String("operation_id", op.ID), zap.Error(rqErr))
			}
		}
		return
	}

	state.mu.Lock()
	state.report.Batches++
	state.mu.Unlock()
	s.metrics.SyncBatchesTotal.Inc()

	ops := append([]model.Operation(nil), claimed...)
	group.Go(func() error {
		defer batchSem.Release(1)
		for i := range ops {
			op := ops[i]
			if ctx.Err() != nil {
				// Stop admitting; leave the rest for the next cycle.
				if err := s.queue.Requeue(context.Background(), op.ID); err != nil {
					s.logger.Warn("Failed to requeue operation after cancellation",
						zap.String("operation_id", op.ID), zap.Error(err))
				}
				continue
			}
			if err := opSem.Acquire(context.Background(), 1); err != nil {
				return err
			}
			s.executeOperation(state, op)
			opSem.Release(1)
		}
		return nil
	})
}

// executeOperation applies one operation and routes its result.
func (s *SyncService) executeOperation(state *cycleState, op model.Operation) {
	strategy := state.strategy

	payload, err := DecodePayload(op)
	if err != nil {
		s.failOperation(state, op, err, strategy.RetryPolicy)
		return
	}
	applied := op.Clone()
	applied.Payload = payload
	applied.Metadata.Compressed = false

	// The per-operation deadline deliberately hangs off the background
	// context: a cancelled cycle lets in-flight applies finish or time out
	// naturally rather than aborting a possibly half-applied remote write.
	opCtx, cancel := context.WithTimeout(context.Background(), maxDuration(strategy.PerOpTimeout, time.Second))
	defer cancel()

	start := time.Now()
	result, applyErr := s.remote.Apply(opCtx, applied)
	latency := time.Since(start)
	s.metrics.OperationApplyDuration.Observe(latency.Seconds())

	switch {
	case applyErr != nil:
		classified := classifyApplyError(op.ID, opCtx, applyErr)
		s.recordPrediction(op, state.stable, false, false, latency)
		s.failOperation(state, op, classified, strategy.RetryPolicy)

	case result.Conflict:
		s.recordPrediction(op, state.stable, false, true, latency)
		s.handleConflict(state, applied, result)

	case result.OK:
		s.recordPrediction(op, state.stable, true, false, latency)
		s.completeOperation(state, applied, result)

	default:
		// Not OK, no conflict, no transport error: a permanent rejection.
		s.recordPrediction(op, state.stable, false, false, latency)
		s.failOperation(state, op, errors.RemoteRejected(op.ID, result.RejectReason), strategy.RetryPolicy)
	}
}

func (s *SyncService) recordPrediction(op model.Operation, stable, success, conflicted bool, latency time.Duration) {
	if s.predict != nil {
		s.predict.Record(op.Kind, op.EntityType, stable, success, conflicted, latency)
	}
}

// completeOperation records the accepted change in the version store and
// marks the operation done.
func (s *SyncService) completeOperation(state *cycleState, op model.Operation, result ApplyResult) {
	ctx := context.Background()

	if op.Kind != model.OpDelete && op.Kind != model.OpBatchDelete {
		entityID := entityIDOf(op)
		if entityID != "" {
			data := op.Payload
			if len(result.RemoteData) > 0 {
				// Prefer the remote's canonical echo of the record.
				data = result.RemoteData
			}
			if _, _, err := s.versions.CreateVersion(ctx, op.EntityType, entityID, data, s.clientID); err != nil {
				s.logger.Error("Failed to record version for applied operation",
					zap.String("operation_id", op.ID),
					zap.String("entity_id", entityID),
					zap.Error(err))
			}
		}
	}

	if err := s.queue.MarkCompleted(ctx, op.ID); err != nil {
		s.logger.Error("Failed to mark operation completed",
			zap.String("operation_id", op.ID), zap.Error(err))
		return
	}
	s.advance(state, func(r *model.SyncReport) { r.Synced++ })
}

// handleConflict routes a version-mismatch rejection through the analyzer.
// The queued operation itself is finished either way: its outcome is the
// conflict record, which is resolved automatically or handed to the caller.
func (s *SyncService) handleConflict(state *cycleState, op model.Operation, result ApplyResult) {
	ctx := context.Background()
	entityID := entityIDOf(op)

	info, err := s.conflicts.CheckConflict(ctx, op.EntityType, entityID,
		op.Metadata.ExpectedVersion, result.RemoteData, result.RemoteTimestamp)
	if err != nil {
		s.failOperation(state, op, err, state.strategy.RetryPolicy)
		return
	}

	if err := s.queue.MarkCompleted(ctx, op.ID); err != nil {
		s.logger.Error("Failed to mark conflicted operation completed",
			zap.String("operation_id", op.ID), zap.Error(err))
	}

	if info == nil {
		// The analyzer found no real divergence (e.g. the entity was never
		// versioned locally); treat the remote state as authoritative.
		if entityID != "" && len(result.RemoteData) > 0 {
			if _, _, err := s.versions.CreateVersion(ctx, op.EntityType, entityID, result.RemoteData, "remote"); err != nil {
				s.logger.Warn("Failed to adopt remote state", zap.Error(err))
			}
		}
		s.advance(state, func(r *model.SyncReport) { r.Synced++ })
		return
	}

	// A locally-won auto-resolution must still reach the remote: loop the
	// winning content back into the queue as a fresh update.
	if info.AutoResolved && (info.Resolution == model.ResolveLocal || info.Resolution == model.ResolveMerge) {
		if current, err := s.versions.CurrentVersion(ctx, op.EntityType, entityID); err == nil && current != nil {
			snapshot, _ := s.versions.CurrentSnapshot(ctx, op.EntityType, entityID)
			followUp := model.Operation{
				Kind:       model.OpUpdate,
				EntityType: op.EntityType,
				EntityID:   entityID,
				Payload:    snapshot,
				Priority:   model.PriorityHigh,
				Metadata:   model.OperationMetadata{ExpectedVersion: result.AppliedVersion},
			}
			if _, err := s.queue.Enqueue(ctx, followUp); err != nil {
				s.logger.Warn("Failed to enqueue conflict follow-up",
					zap.String("entity_id", entityID), zap.Error(err))
			}
		}
	}

	s.advance(state, func(r *model.SyncReport) { r.Conflicted++ })
}

// failOperation records a failed attempt; the queue decides between
// backoff-retry and terminal failure.
func (s *SyncService) failOperation(state *cycleState, op model.Operation, opErr error, policy model.RetryPolicy) {
	ctx := context.Background()
	if err := s.queue.MarkFailed(ctx, op.ID, opErr, policy); err != nil {
		s.logger.Error("Failed to record operation failure",
			zap.String("operation_id", op.ID), zap.Error(err))
		return
	}
	if updated, ok := s.queue.Get(op.ID); ok && updated.Status == model.StatusFailed {
		s.advance(state, func(r *model.SyncReport) { r.Failed++ })
		return
	}
	// Retry scheduled; it does not consume this cycle's disposition.
	state.mu.Lock()
	state.report.Skipped++
	state.mu.Unlock()
}

// advance applies a disposition to the report and publishes progress.
func (s *SyncService) advance(state *cycleState, apply func(*model.SyncReport)) {
	state.mu.Lock()
	apply(&state.report)
	state.completed++
	completed, total := state.completed, state.total
	state.mu.Unlock()

	s.bus.Publish(model.Event{
		Type:      model.EventSyncProgress,
		Completed: completed,
		Total:     total,
	})
}

// classifyApplyError maps a transport-level failure onto the taxonomy.
func classifyApplyError(opID string, opCtx context.Context, err error) error {
	if se, ok := err.(*errors.SyncError); ok {
		return se
	}
	if opCtx.Err() == context.DeadlineExceeded {
		return errors.Timeout(opID, err)
	}
	return errors.Transport("remote apply failed", err)
}

// entityIDOf resolves the entity id for versioning: the operation's own id
// field, falling back to an "id" field in the payload for creates.
func entityIDOf(op model.Operation) string {
	if op.EntityID != "" {
		return op.EntityID
	}
	var fields struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(op.Payload, &fields); err == nil {
		return fields.ID
	}
	return ""
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
