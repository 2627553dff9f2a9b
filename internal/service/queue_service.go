package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/errors"
	"github.com/Golden-forest/cardall-sync/internal/events"
	"github.com/Golden-forest/cardall-sync/internal/metrics"
	"github.com/Golden-forest/cardall-sync/internal/model"
	"github.com/Golden-forest/cardall-sync/internal/store"
	"github.com/Golden-forest/cardall-sync/internal/util"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueConfig holds operation queue configuration.
type QueueConfig struct {
	MaxRetries           int
	HistoryLimit         int
	CompressionThreshold int
	MemoryPressureLimit  int
}

// QueueService is the durable, priority-ordered store of pending mutations.
// Every state transition persists to the local store synchronously before it
// becomes visible; the durable store is the single source of truth and the
// in-memory index is rebuilt from it on restart.
type QueueService struct {
	cfg        QueueConfig
	localStore store.LocalStore
	bus        *events.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu        sync.Mutex
	ops       map[string]*model.Operation
	history   []string        // terminal operation ids, oldest first
	completed map[string]bool // ids that reached completed, for dependency gating
}

// NewQueueService creates a queue service and rebuilds its index from the
// durable store. Operations left in processing by a crash return to pending.
func NewQueueService(
	localStore store.LocalStore,
	bus *events.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg QueueConfig,
) (*QueueService, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.MemoryPressureLimit <= 0 {
		cfg.MemoryPressureLimit = 5000
	}

	q := &QueueService{
		cfg:        cfg,
		localStore: localStore,
		bus:        bus,
		metrics:    m,
		logger:     logger,
		ops:        make(map[string]*model.Operation),
		completed:  make(map[string]bool),
	}

	if err := q.rebuild(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

// rebuild loads the queue index from the durable store.
func (q *QueueService) rebuild(ctx context.Context) error {
	var loadErr error
	terminal := make([]*model.Operation, 0)

	err := q.localStore.Scan(ctx, store.CollectionOperations, func(rec store.Record) bool {
		var op model.Operation
		if err := json.Unmarshal(rec.Data, &op); err != nil {
			loadErr = errors.CorruptedRecord(store.CollectionOperations, rec.ID, err)
			return false
		}
		if op.Status == model.StatusProcessing {
			// Interrupted mid-sync; the remote apply is idempotent by
			// operation id, so re-running it is safe.
			op.Status = model.StatusPending
		}
		q.ops[op.ID] = &op
		if op.Status.Terminal() {
			terminal = append(terminal, &op)
			if op.Status == model.StatusCompleted {
				q.completed[op.ID] = true
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if loadErr != nil {
		return loadErr
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].EnqueuedAt.Before(terminal[j].EnqueuedAt)
	})
	for _, op := range terminal {
		q.history = append(q.history, op.ID)
	}
	// A crash between a terminal transition and its dependent cascade leaves
	// dependents stranded in the store; settle them now.
	for _, op := range terminal {
		if op.Status != model.StatusCompleted {
			q.cascadeDependentsLocked(ctx, op.ID)
		}
	}

	q.logger.Info("Operation queue rebuilt from store",
		zap.Int("operations", len(q.ops)),
		zap.Int("terminal", len(terminal)))
	q.updateDepthMetric()
	return nil
}

// Enqueue validates, persists and indexes a new operation, returning its id.
// Same-entity pending mutations are collapsed where safe.
func (q *QueueService) Enqueue(ctx context.Context, op model.Operation) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.validateLocked(&op); err != nil {
		return "", err
	}

	// Queue optimization: merge into an existing pending mutation for the
	// same entity when the combination is safe.
	if merged, id, err := q.optimizeLocked(ctx, &op); err != nil {
		return "", err
	} else if merged {
		return id, nil
	}

	op.ID = uuid.NewString()
	op.Status = model.StatusPending
	op.EnqueuedAt = time.Now()
	if op.MaxRetries == 0 {
		op.MaxRetries = q.cfg.MaxRetries
	}
	if err := q.compressPayload(&op); err != nil {
		return "", err
	}
	if op.Metadata.Checksum == "" && len(op.Payload) > 0 && !op.Metadata.Compressed {
		if digest, err := util.Digest(op.Payload); err == nil {
			op.Metadata.Checksum = digest
		}
	}

	if err := q.persistLocked(ctx, &op); err != nil {
		return "", err
	}
	q.ops[op.ID] = &op

	q.metrics.OperationsEnqueuedTotal.WithLabelValues(string(op.Kind)).Inc()
	q.updateDepthMetric()
	q.bus.Publish(model.Event{
		Type:        model.EventOperationEnqueued,
		OperationID: op.ID,
		EntityID:    op.EntityID,
		EntityType:  op.EntityType,
	})

	q.logger.Debug("Operation enqueued",
		zap.String("operation_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("entity_id", op.EntityID),
		zap.String("priority", op.Priority.String()))

	return op.ID, nil
}

func (q *QueueService) validateLocked(op *model.Operation) error {
	if op.Kind == "" {
		return errors.InvalidArgument("operation kind is required")
	}
	if op.EntityType == "" {
		return errors.InvalidArgument("entity type is required")
	}
	if op.Kind.RequiresEntityID() && op.EntityID == "" {
		return errors.MissingEntityID(string(op.Kind))
	}
	switch op.Kind {
	case model.OpCreate, model.OpUpdate, model.OpBatchCreate, model.OpBatchUpdate, model.OpMerge:
		if len(op.Payload) == 0 {
			return errors.MissingPayload(string(op.Kind))
		}
	}
	for _, dep := range op.Dependencies {
		if _, ok := q.ops[dep]; !ok && !q.completed[dep] {
			return errors.UnknownDependency(dep)
		}
	}
	return nil
}

// optimizeLocked applies the batching optimizer rules to a new operation.
// Two pending updates to the same entity collapse into one carrying the
// latest payload. A create following a pending delete for the same id is a
// batch-validation error, never a silent merge.
func (q *QueueService) optimizeLocked(ctx context.Context, op *model.Operation) (bool, string, error) {
	if op.EntityID == "" {
		return false, "", nil
	}

	var pendingSameEntity *model.Operation
	for _, existing := range q.ops {
		if existing.EntityID != op.EntityID || existing.EntityType != op.EntityType {
			continue
		}
		if existing.Status != model.StatusPending && existing.Status != model.StatusRetryWait {
			continue
		}
		if pendingSameEntity == nil || existing.EnqueuedAt.Before(pendingSameEntity.EnqueuedAt) {
			pendingSameEntity = existing
		}
	}
	if pendingSameEntity == nil {
		return false, "", nil
	}

	switch {
	case op.Kind == model.OpCreate && pendingSameEntity.Kind == model.OpDelete:
		return false, "", errors.BatchValidation(op.EntityID, "create after pending delete for the same id")

	case op.Kind == model.OpUpdate &&
		(pendingSameEntity.Kind == model.OpUpdate || pendingSameEntity.Kind == model.OpCreate):
		// Collapse: keep the earlier operation's identity and queue slot,
		// carry the newest payload.
		pendingSameEntity.Payload = append(json.RawMessage(nil), op.Payload...)
		pendingSameEntity.Metadata.Compressed = false
		pendingSameEntity.Metadata.Checksum = ""
		if err := q.compressPayload(pendingSameEntity); err != nil {
			return false, "", err
		}
		if !pendingSameEntity.Metadata.Compressed {
			if digest, err := util.Digest(pendingSameEntity.Payload); err == nil {
				pendingSameEntity.Metadata.Checksum = digest
			}
		}
		if op.Metadata.ExpectedVersion != 0 {
			pendingSameEntity.Metadata.ExpectedVersion = op.Metadata.ExpectedVersion
		}
		if op.Priority > pendingSameEntity.Priority {
			pendingSameEntity.Priority = op.Priority
		}
		if err := q.persistLocked(ctx, pendingSameEntity); err != nil {
			return false, "", err
		}
		q.metrics.OperationsMergedTotal.Inc()
		q.logger.Debug("Merged operation into pending mutation",
			zap.String("operation_id", pendingSameEntity.ID),
			zap.String("entity_id", op.EntityID))
		return true, pendingSameEntity.ID, nil
	}

	return false, "", nil
}

// compressPayload snappy-compresses large payloads and flags them.
func (q *QueueService) compressPayload(op *model.Operation) error {
	if q.cfg.CompressionThreshold <= 0 || op.Metadata.Compressed {
		return nil
	}
	if len(op.Payload) <= q.cfg.CompressionThreshold {
		return nil
	}
	if op.Metadata.Checksum == "" {
		if digest, err := util.Digest(op.Payload); err == nil {
			op.Metadata.Checksum = digest
		}
	}
	op.Payload = snappy.Encode(nil, op.Payload)
	op.Metadata.Compressed = true
	return nil
}

// DecodePayload returns the raw payload, decompressing when flagged.
func DecodePayload(op model.Operation) ([]byte, error) {
	if !op.Metadata.Compressed {
		return op.Payload, nil
	}
	decoded, err := snappy.Decode(nil, op.Payload)
	if err != nil {
		return nil, errors.CorruptedRecord(store.CollectionOperations, op.ID, err)
	}
	return decoded, nil
}

// DequeueBatch selects up to strategy.BatchSize executable operations:
// priority descending, enqueue time ascending, filtered to the strategy's
// priority filter, excluding operations with incomplete dependencies.
func (q *QueueService) DequeueBatch(ctx context.Context, strategy model.SyncStrategy) []model.Operation {
	return q.dequeue(ctx, strategy.PriorityFilter, strategy.BatchSize)
}

// DequeueTier selects one batch restricted to a single priority tier.
// Used by the orchestrator's anti-starvation pass.
func (q *QueueService) DequeueTier(ctx context.Context, tier model.Priority, batchSize int) []model.Operation {
	return q.dequeue(ctx, []model.Priority{tier}, batchSize)
}

func (q *QueueService) dequeue(_ context.Context, filter []model.Priority, limit int) []model.Operation {
	if limit <= 0 {
		limit = 1
	}
	allowed := make(map[model.Priority]bool, len(filter))
	for _, p := range filter {
		allowed[p] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	eligible := make([]*model.Operation, 0)
	for _, op := range q.ops {
		if op.Status != model.StatusPending && op.Status != model.StatusRetryWait {
			continue
		}
		if op.Status == model.StatusRetryWait && op.NextRetryAt.After(now) {
			continue
		}
		if len(allowed) > 0 && !allowed[op.Priority] {
			continue
		}
		if !q.dependenciesMetLocked(op) {
			continue
		}
		eligible = append(eligible, op)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].EnqueuedAt.Before(eligible[j].EnqueuedAt)
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	batch := make([]model.Operation, 0, len(eligible))
	for _, op := range eligible {
		batch = append(batch, op.Clone())
	}
	return batch
}

func (q *QueueService) dependenciesMetLocked(op *model.Operation) bool {
	for _, dep := range op.Dependencies {
		if q.completed[dep] {
			continue
		}
		if existing, ok := q.ops[dep]; ok && existing.Status == model.StatusCompleted {
			continue
		}
		return false
	}
	return true
}

// MarkProcessing transitions an operation to processing.
func (q *QueueService) MarkProcessing(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return errors.OperationNotFound(id)
	}
	if op.Status != model.StatusPending && op.Status != model.StatusRetryWait {
		return errors.InvalidTransition(id, string(op.Status), string(model.StatusProcessing))
	}
	op.Status = model.StatusProcessing
	return q.persistLocked(ctx, op)
}

// Requeue returns a processing operation to pending. Used when a cycle is
// cancelled after claiming operations it never started executing.
func (q *QueueService) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return errors.OperationNotFound(id)
	}
	if op.Status != model.StatusProcessing {
		return errors.InvalidTransition(id, string(op.Status), string(model.StatusPending))
	}
	op.Status = model.StatusPending
	return q.persistLocked(ctx, op)
}

// MarkCompleted transitions an operation to completed and records it in the
// bounded audit history.
func (q *QueueService) MarkCompleted(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return errors.OperationNotFound(id)
	}
	if op.Status.Terminal() {
		// Idempotent: remote results may be re-delivered after a retry.
		return nil
	}
	op.Status = model.StatusCompleted
	op.LastError = ""
	if err := q.persistLocked(ctx, op); err != nil {
		return err
	}
	q.completed[id] = true
	q.pushHistoryLocked(ctx, id)

	q.metrics.OperationsCompletedTotal.Inc()
	q.updateDepthMetric()
	q.bus.Publish(model.Event{
		Type:        model.EventOperationCompleted,
		OperationID: id,
		EntityID:    op.EntityID,
		EntityType:  op.EntityType,
	})
	return nil
}

// MarkFailed records a failed attempt. Transient failures below the retry
// budget move to retry_wait with backoff; everything else is terminal.
func (q *QueueService) MarkFailed(ctx context.Context, id string, opErr error, policy model.RetryPolicy) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return errors.OperationNotFound(id)
	}
	if op.Status.Terminal() {
		return nil
	}

	if errors.IsTransient(opErr) && op.RetryCount < op.MaxRetries {
		op.RetryCount++
		op.Status = model.StatusRetryWait
		op.LastError = opErr.Error()
		op.NextRetryAt = time.Now().Add(util.RetryDelay(policy, op.RetryCount))
		if err := q.persistLocked(ctx, op); err != nil {
			return err
		}
		q.metrics.OperationRetriesTotal.Inc()
		q.logger.Debug("Operation scheduled for retry",
			zap.String("operation_id", id),
			zap.Int("retry_count", op.RetryCount),
			zap.Int("max_retries", op.MaxRetries),
			zap.Time("next_retry_at", op.NextRetryAt))
		return nil
	}

	if errors.IsTransient(opErr) {
		// Reaching here with a transient error means the retry budget ran out.
		opErr = errors.RetriesExhausted(id, op.RetryCount, opErr)
	}
	op.Status = model.StatusFailed
	op.LastError = opErr.Error()
	if err := q.persistLocked(ctx, op); err != nil {
		return err
	}
	q.pushHistoryLocked(ctx, id)

	q.metrics.OperationsFailedTotal.Inc()
	q.updateDepthMetric()
	q.bus.Publish(model.Event{
		Type:        model.EventOperationFailed,
		OperationID: id,
		EntityID:    op.EntityID,
		EntityType:  op.EntityType,
		Err:         op.LastError,
	})
	q.logger.Warn("Operation terminally failed",
		zap.String("operation_id", id),
		zap.Int("retry_count", op.RetryCount),
		zap.String("error", op.LastError))
	q.cascadeDependentsLocked(ctx, id)
	return nil
}

// Cancel cancels an operation. Allowed only while pending or retry-waiting.
func (q *QueueService) Cancel(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return errors.OperationNotFound(id)
	}
	if op.Status != model.StatusPending && op.Status != model.StatusRetryWait {
		return errors.InvalidTransition(id, string(op.Status), string(model.StatusCancelled))
	}
	op.Status = model.StatusCancelled
	op.LastError = reason
	if err := q.persistLocked(ctx, op); err != nil {
		return err
	}
	q.pushHistoryLocked(ctx, id)

	q.metrics.OperationsCancelledTotal.Inc()
	q.updateDepthMetric()
	q.bus.Publish(model.Event{
		Type:        model.EventOperationCancelled,
		OperationID: id,
		EntityID:    op.EntityID,
		EntityType:  op.EntityType,
		Err:         reason,
	})
	q.cascadeDependentsLocked(ctx, id)
	return nil
}

// cascadeDependentsLocked settles operations whose dependency just reached a
// terminal non-completed state. Such operations can never become eligible
// for dequeue, so they receive the dependency's disposition instead of
// sitting in the backlog forever: dependents of a cancelled operation are
// cancelled, dependents of a failed one fail. Cascades transitively.
func (q *QueueService) cascadeDependentsLocked(ctx context.Context, rootID string) {
	worklist := []string{rootID}
	for len(worklist) > 0 {
		parentID := worklist[0]
		worklist = worklist[1:]
		parent, ok := q.ops[parentID]
		if !ok {
			continue
		}
		cancelled := parent.Status == model.StatusCancelled

		var dependents []*model.Operation
		for _, op := range q.ops {
			if op.Status != model.StatusPending && op.Status != model.StatusRetryWait {
				continue
			}
			for _, dep := range op.Dependencies {
				if dep == parentID {
					dependents = append(dependents, op)
					break
				}
			}
		}

		for _, op := range dependents {
			evType := model.EventOperationFailed
			if cancelled {
				op.Status = model.StatusCancelled
				op.LastError = errors.Cancelled(op.ID, "dependency "+parentID+" was cancelled").Error()
				q.metrics.OperationsCancelledTotal.Inc()
				evType = model.EventOperationCancelled
			} else {
				op.Status = model.StatusFailed
				op.LastError = "dependency " + parentID + " terminally failed"
				q.metrics.OperationsFailedTotal.Inc()
			}
			if err := q.persistLocked(ctx, op); err != nil {
				q.logger.Error("Failed to persist dependent disposition",
					zap.String("operation_id", op.ID),
					zap.Error(err))
			}
			q.pushHistoryLocked(ctx, op.ID)
			q.bus.Publish(model.Event{
				Type:        evType,
				OperationID: op.ID,
				EntityID:    op.EntityID,
				EntityType:  op.EntityType,
				Err:         op.LastError,
			})
			q.logger.Warn("Dependent operation settled with its dependency",
				zap.String("operation_id", op.ID),
				zap.String("dependency_id", parentID),
				zap.String("status", string(op.Status)))
			worklist = append(worklist, op.ID)
		}
	}
	q.updateDepthMetric()
}

// Get returns a copy of an operation by id.
func (q *QueueService) Get(id string) (model.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[id]
	if !ok {
		return model.Operation{}, false
	}
	return op.Clone(), true
}

// Stats summarizes queue occupancy.
func (q *QueueService) Stats() model.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := model.QueueStats{ByPriority: make(map[model.Priority]int)}
	for _, op := range q.ops {
		switch op.Status {
		case model.StatusPending:
			stats.Pending++
			stats.ByPriority[op.Priority]++
		case model.StatusProcessing:
			stats.Processing++
		case model.StatusRetryWait:
			stats.RetryWait++
			stats.ByPriority[op.Priority]++
		case model.StatusCompleted:
			stats.Completed++
		case model.StatusFailed:
			stats.Failed++
		case model.StatusCancelled:
			stats.Cancelled++
		}
	}
	stats.MemoryPressure = len(q.ops) > q.cfg.MemoryPressureLimit
	return stats
}

// PendingOperations returns a copy of every non-terminal operation, oldest
// first, for state snapshotting.
func (q *QueueService) PendingOperations() []model.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]model.Operation, 0)
	for _, op := range q.ops {
		if !op.Status.Terminal() {
			pending = append(pending, op.Clone())
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})
	return pending
}

// persistLocked writes the operation to the durable store synchronously.
func (q *QueueService) persistLocked(ctx context.Context, op *model.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation %s: %w", op.ID, err)
	}
	if err := q.localStore.Put(ctx, store.CollectionOperations, store.Record{ID: op.ID, Data: data}); err != nil {
		return errors.StoreTransient(fmt.Sprintf("persist operation %s", op.ID), err)
	}
	return nil
}

// pushHistoryLocked retains a terminal operation for audit and prunes the
// oldest entries beyond the history limit.
func (q *QueueService) pushHistoryLocked(ctx context.Context, id string) {
	q.history = append(q.history, id)
	for len(q.history) > q.cfg.HistoryLimit {
		oldest := q.history[0]
		q.history = q.history[1:]
		delete(q.ops, oldest)
		if err := q.localStore.Delete(ctx, store.CollectionOperations, oldest); err != nil {
			q.logger.Warn("Failed to prune operation history",
				zap.String("operation_id", oldest),
				zap.Error(err))
		}
	}
}

func (q *QueueService) updateDepthMetric() {
	depth := 0
	for _, op := range q.ops {
		if !op.Status.Terminal() {
			depth++
		}
	}
	q.metrics.QueueDepth.Set(float64(depth))
}
