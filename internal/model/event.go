package model

import "time"

// EventType names an engine notification.
type EventType string

const (
	EventOperationEnqueued  EventType = "operation.enqueued"
	EventOperationCompleted EventType = "operation.completed"
	EventOperationFailed    EventType = "operation.failed"
	EventOperationCancelled EventType = "operation.cancelled"
	EventConflictDetected   EventType = "conflict.detected"
	EventConflictResolved   EventType = "conflict.resolved"
	EventSyncProgress       EventType = "sync.progress"
	EventSyncCycleComplete  EventType = "sync.cycle_complete"
)

// Event is a typed notification published on the engine's event bus.
// Callers pull these from a subscription channel; there are no string-keyed
// listener registries.
type Event struct {
	Type        EventType   `json:"type"`
	OperationID string      `json:"operation_id,omitempty"`
	EntityID    string      `json:"entity_id,omitempty"`
	EntityType  EntityType  `json:"entity_type,omitempty"`
	ConflictID  string      `json:"conflict_id,omitempty"`
	Completed   int         `json:"completed,omitempty"`
	Total       int         `json:"total,omitempty"`
	Report      *SyncReport `json:"report,omitempty"`
	Err         string      `json:"error,omitempty"`
	At          time.Time   `json:"at"`
}
