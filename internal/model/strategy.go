package model

import "time"

// SyncMode selects how aggressively a sync cycle drains the queue.
type SyncMode string

const (
	ModeImmediate    SyncMode = "immediate"
	ModeBatched      SyncMode = "batched"
	ModePrioritized  SyncMode = "prioritized"
	ModeConservative SyncMode = "conservative"
	ModeAdaptive     SyncMode = "adaptive"
)

// RetryPolicy controls backoff for transient failures.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            float64       `json:"jitter"`
}

// SyncStrategy is the ephemeral set of execution parameters chosen for one
// sync cycle. It is derived, never persisted.
type SyncStrategy struct {
	Mode             SyncMode      `json:"mode"`
	BatchSize        int           `json:"batch_size"`
	InterBatchDelay  time.Duration `json:"inter_batch_delay"`
	PriorityFilter   []Priority    `json:"priority_filter"`
	MaxConcurrentOps int           `json:"max_concurrent_ops"`
	PerOpTimeout     time.Duration `json:"per_op_timeout"`
	RetryPolicy      RetryPolicy   `json:"retry_policy"`
}

// AllowsPriority reports whether the tier is eligible this cycle.
func (s SyncStrategy) AllowsPriority(p Priority) bool {
	for _, allowed := range s.PriorityFilter {
		if allowed == p {
			return true
		}
	}
	return false
}

// SyncReport aggregates the outcome of one sync cycle.
type SyncReport struct {
	Synced     int           `json:"synced"`
	Conflicted int           `json:"conflicted"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Batches    int           `json:"batches"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Cancelled  bool          `json:"cancelled"`
}

// Total is the number of operations the cycle attempted.
func (r SyncReport) Total() int {
	return r.Synced + r.Conflicted + r.Failed
}
