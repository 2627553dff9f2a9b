package service

import (
	"time"

	"github.com/Golden-forest/cardall-sync/internal/model"
)

// Backlog and memory-pressure overrides from the strategy rule table.
const (
	backlogBatchCap   = 200
	cappedBatchSize   = 30
	defaultMaxRetries = 3
)

// StrategyService maps a network quality snapshot and queue statistics to
// concrete sync execution parameters. Select is a pure function of its
// inputs so it stays independently testable.
type StrategyService struct{}

// NewStrategyService creates a strategy selector.
func NewStrategyService() *StrategyService {
	return &StrategyService{}
}

// Select derives the strategy for the next sync cycle.
func (s *StrategyService) Select(quality model.NetworkQuality, stats model.QueueStats) model.SyncStrategy {
	mode := quality.RecommendedStrategy
	if mode == "" {
		mode = model.ModeBatched
	}

	// Reliability below 0.4 always forces conservative; a large backlog
	// caps anything more aggressive than batched.
	if quality.Reliability < 0.4 {
		mode = model.ModeConservative
	} else if stats.Backlog() > backlogBatchCap || stats.MemoryPressure {
		if mode == model.ModeImmediate || mode == model.ModeAdaptive {
			mode = model.ModeBatched
		}
	}

	batchSize := batchSizeFor(quality.BandwidthClass)
	if stats.MemoryPressure {
		batchSize /= 2
	}
	if stats.Backlog() > backlogBatchCap && batchSize > cappedBatchSize {
		batchSize = cappedBatchSize
	}
	if batchSize < 1 {
		batchSize = 1
	}

	return model.SyncStrategy{
		Mode:             mode,
		BatchSize:        batchSize,
		InterBatchDelay:  interBatchDelayFor(mode, quality),
		PriorityFilter:   priorityFilterFor(quality.Reliability),
		MaxConcurrentOps: concurrencyFor(quality),
		PerOpTimeout:     perOpTimeoutFor(quality.LatencyClass),
		RetryPolicy:      retryPolicyFor(mode),
	}
}

func batchSizeFor(bw model.BandwidthClass) int {
	switch bw {
	case model.BandwidthExcellent:
		return 100
	case model.BandwidthGood:
		return 50
	case model.BandwidthFair:
		return 25
	default:
		return 10
	}
}

func concurrencyFor(q model.NetworkQuality) int {
	switch q.LatencyClass {
	case model.LatencyLow:
		if q.BandwidthClass == model.BandwidthExcellent {
			return 8
		}
		return 5
	case model.LatencyMedium:
		return 3
	default:
		return 1
	}
}

// priorityFilterFor narrows eligibility as reliability drops.
func priorityFilterFor(reliability float64) []model.Priority {
	switch {
	case reliability < 0.6:
		return []model.Priority{model.PriorityCritical, model.PriorityHigh}
	case reliability < 0.8:
		return []model.Priority{model.PriorityCritical, model.PriorityHigh, model.PriorityNormal}
	default:
		return append([]model.Priority(nil), model.AllPriorities...)
	}
}

func perOpTimeoutFor(lat model.LatencyClass) time.Duration {
	switch lat {
	case model.LatencyLow:
		return 10 * time.Second
	case model.LatencyMedium:
		return 20 * time.Second
	default:
		return 30 * time.Second
	}
}

func interBatchDelayFor(mode model.SyncMode, q model.NetworkQuality) time.Duration {
	switch {
	case mode == model.ModeConservative:
		return 3 * time.Second
	case q.BandwidthClass == model.BandwidthPoor:
		return 2 * time.Second
	case mode == model.ModeImmediate:
		return 0
	default:
		return 250 * time.Millisecond
	}
}

func retryPolicyFor(mode model.SyncMode) model.RetryPolicy {
	if mode == model.ModeConservative {
		return model.RetryPolicy{
			MaxRetries:        5,
			InitialDelay:      2 * time.Second,
			MaxDelay:          60 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
		}
	}
	return model.RetryPolicy{
		MaxRetries:        defaultMaxRetries,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}
