package model

import (
	"encoding/json"
	"time"
)

// OperationKind identifies the mutation a queued operation applies remotely.
type OperationKind string

const (
	OpCreate      OperationKind = "create"
	OpUpdate      OperationKind = "update"
	OpDelete      OperationKind = "delete"
	OpBatchCreate OperationKind = "batch_create"
	OpBatchUpdate OperationKind = "batch_update"
	OpBatchDelete OperationKind = "batch_delete"
	OpMerge       OperationKind = "merge"
)

// RequiresEntityID reports whether the kind must reference an existing entity.
func (k OperationKind) RequiresEntityID() bool {
	switch k {
	case OpUpdate, OpDelete, OpMerge:
		return true
	default:
		return false
	}
}

// EntityType names the kind of record an operation or version refers to.
// The set is open; these are the types the client application ships with.
type EntityType string

const (
	EntityCard   EntityType = "card"
	EntityFolder EntityType = "folder"
	EntityTag    EntityType = "tag"
	EntityImage  EntityType = "image"
)

// Priority orders operations within the queue. Higher drains first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// AllPriorities lists every tier from highest to lowest.
var AllPriorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// OperationStatus tracks an operation through its lifecycle.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusRetryWait  OperationStatus = "retry_wait"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusCancelled  OperationStatus = "cancelled"
)

// Terminal reports whether the status is a final disposition.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// OperationMetadata carries per-operation sync hints.
type OperationMetadata struct {
	Compressed         bool   `json:"compressed,omitempty"`
	RequiresValidation bool   `json:"requires_validation,omitempty"`
	ExpectedVersion    int64  `json:"expected_version,omitempty"`
	Checksum           string `json:"checksum,omitempty"`
	ResolutionHint     string `json:"resolution_hint,omitempty"`
}

// Operation is a single queued mutation awaiting application to the remote
// authority. The queue service exclusively owns these records.
type Operation struct {
	ID           string            `json:"id"`
	Kind         OperationKind     `json:"kind"`
	EntityType   EntityType        `json:"entity_type"`
	EntityID     string            `json:"entity_id,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Priority     Priority          `json:"priority"`
	Status       OperationStatus   `json:"status"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Metadata     OperationMetadata `json:"metadata"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	NextRetryAt  time.Time         `json:"next_retry_at,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (o *Operation) Clone() Operation {
	cp := *o
	if o.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), o.Payload...)
	}
	if o.Dependencies != nil {
		cp.Dependencies = append([]string(nil), o.Dependencies...)
	}
	return cp
}

// QueueStats summarizes queue occupancy for strategy selection.
type QueueStats struct {
	Pending        int              `json:"pending"`
	Processing     int              `json:"processing"`
	RetryWait      int              `json:"retry_wait"`
	Completed      int              `json:"completed"`
	Failed         int              `json:"failed"`
	Cancelled      int              `json:"cancelled"`
	ByPriority     map[Priority]int `json:"by_priority"`
	MemoryPressure bool             `json:"memory_pressure"`
}

// Backlog is the number of operations still awaiting a successful apply.
func (s QueueStats) Backlog() int {
	return s.Pending + s.RetryWait
}
