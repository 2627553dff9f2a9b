package model

import (
	"encoding/json"
	"time"
)

// ConflictType classifies a detected divergence.
type ConflictType string

const (
	ConflictConcurrentModification ConflictType = "concurrent_modification"
	ConflictOutOfBandWrite         ConflictType = "out_of_band_write"
)

// Severity grades how disruptive a conflict is expected to be.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Resolution names the outcome chosen for a conflict.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
	ResolveMerge  Resolution = "merge"
	ResolveManual Resolution = "manual"
)

// ConflictInfo records a detected divergence between local and remote state
// that version numbers alone cannot order.
type ConflictInfo struct {
	ID                       string          `json:"id"`
	EntityID                 string          `json:"entity_id"`
	EntityType               EntityType      `json:"entity_type"`
	LocalSnapshot            json.RawMessage `json:"local_snapshot,omitempty"`
	RemoteSnapshot           json.RawMessage `json:"remote_snapshot,omitempty"`
	LocalVersion             int64           `json:"local_version"`
	ExpectedVersion          int64           `json:"expected_version"`
	Type                     ConflictType    `json:"type"`
	Severity                 Severity        `json:"severity"`
	Similarity               float64         `json:"similarity"`
	PredictionScore          float64         `json:"prediction_score"`
	SuggestedResolution      Resolution      `json:"suggested_resolution"`
	AutoResolutionConfidence float64         `json:"auto_resolution_confidence"`
	Resolution               Resolution      `json:"resolution,omitempty"`
	AutoResolved             bool            `json:"auto_resolved"`
	DetectedAt               time.Time       `json:"detected_at"`
	ResolvedAt               time.Time       `json:"resolved_at,omitempty"`
}

// Resolved reports whether the conflict has reached its terminal state.
func (c *ConflictInfo) Resolved() bool {
	return c.Resolution != ""
}

// Clone returns a deep copy safe to hand to callers.
func (c *ConflictInfo) Clone() *ConflictInfo {
	cp := *c
	if c.LocalSnapshot != nil {
		cp.LocalSnapshot = append(json.RawMessage(nil), c.LocalSnapshot...)
	}
	if c.RemoteSnapshot != nil {
		cp.RemoteSnapshot = append(json.RawMessage(nil), c.RemoteSnapshot...)
	}
	return &cp
}
