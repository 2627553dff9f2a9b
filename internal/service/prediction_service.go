package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/model"
	"go.uber.org/zap"
)

// PredictionService maintains rolling success-rate and latency statistics
// per (operation kind, entity type) and per network-stability window. It is
// purely advisory: its output only biases strategy tuning and conflict
// prediction scores, never queue draining or conflict detection.
type PredictionService struct {
	enabled bool
	logger  *zap.Logger

	mu       sync.Mutex
	counters map[string]*rollingCounter
}

type rollingCounter struct {
	attempts     int64
	successes    int64
	conflicts    int64
	totalLatency time.Duration
}

// NewPredictionService creates a prediction engine. When disabled, every
// query returns its neutral value.
func NewPredictionService(enabled bool, logger *zap.Logger) *PredictionService {
	return &PredictionService{
		enabled:  enabled,
		logger:   logger,
		counters: make(map[string]*rollingCounter),
	}
}

func counterKey(kind model.OperationKind, entityType model.EntityType, stable bool) string {
	return fmt.Sprintf("%s|%s|stable=%t", kind, entityType, stable)
}

// Record adds one apply outcome to the rolling statistics.
func (p *PredictionService) Record(
	kind model.OperationKind,
	entityType model.EntityType,
	stable bool,
	success, conflicted bool,
	latency time.Duration,
) {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, key := range []string{
		counterKey(kind, entityType, stable),
		counterKey("*", entityType, stable),
	} {
		counter, ok := p.counters[key]
		if !ok {
			counter = &rollingCounter{}
			p.counters[key] = counter
		}
		counter.attempts++
		if success {
			counter.successes++
		}
		if conflicted {
			counter.conflicts++
		}
		counter.totalLatency += latency

		// Halve the window periodically so old samples decay instead of
		// dominating forever.
		if counter.attempts >= 256 {
			counter.attempts /= 2
			counter.successes /= 2
			counter.conflicts /= 2
			counter.totalLatency /= 2
		}
	}
}

// SuccessRate estimates the apply success rate for the given key, 1.0 when
// there is no history.
func (p *PredictionService) SuccessRate(kind model.OperationKind, entityType model.EntityType, stable bool) float64 {
	if !p.enabled {
		return 1.0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	counter, ok := p.counters[counterKey(kind, entityType, stable)]
	if !ok || counter.attempts == 0 {
		return 1.0
	}
	return float64(counter.successes) / float64(counter.attempts)
}

// ConflictLikelihood estimates how often applies to this entity type have
// conflicted, 0.0 when there is no history.
func (p *PredictionService) ConflictLikelihood(entityType model.EntityType) float64 {
	if !p.enabled {
		return 0.0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var attempts, conflicts int64
	for _, stable := range []bool{true, false} {
		if counter, ok := p.counters[counterKey("*", entityType, stable)]; ok {
			attempts += counter.attempts
			conflicts += counter.conflicts
		}
	}
	if attempts == 0 {
		return 0.0
	}
	return float64(conflicts) / float64(attempts)
}

// AdjustBatchSize biases a batch size by recent success rates: flaky
// history shrinks batches, a clean history leaves them unchanged. The
// result never drops below 1 and never exceeds the input.
func (p *PredictionService) AdjustBatchSize(base int, kind model.OperationKind, entityType model.EntityType, stable bool) int {
	if !p.enabled || base <= 1 {
		return base
	}
	rate := p.SuccessRate(kind, entityType, stable)
	adjusted := int(float64(base) * (0.5 + rate/2))
	if adjusted < 1 {
		return 1
	}
	if adjusted > base {
		return base
	}
	return adjusted
}
