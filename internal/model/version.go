package model

import (
	"encoding/json"
	"time"
)

// Confidence grades how certain the change detector is about a diff.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// VersionMetadata annotates a version record with detection context.
type VersionMetadata struct {
	ChangeCount     int        `json:"change_count"`
	ImportantChange bool       `json:"important_change"`
	Confidence      Confidence `json:"confidence"`
}

// VersionInfo is one immutable record per accepted change to an entity.
// For a given entity, versions form a strictly increasing single-parent
// chain; a fork attempt is by definition a conflict.
type VersionInfo struct {
	EntityID      string          `json:"entity_id"`
	EntityType    EntityType      `json:"entity_type"`
	Version       int64           `json:"version"`
	Hash          string          `json:"hash"`
	Timestamp     time.Time       `json:"timestamp"`
	Author        string          `json:"author"`
	ParentVersion int64           `json:"parent_version"`
	Metadata      VersionMetadata `json:"metadata"`
}

// FieldChangeKind classifies a single field difference.
type FieldChangeKind string

const (
	FieldAdded    FieldChangeKind = "added"
	FieldModified FieldChangeKind = "modified"
	FieldRemoved  FieldChangeKind = "removed"
)

// FieldChange describes one differing field between two snapshots.
type FieldChange struct {
	Field string          `json:"field"`
	Kind  FieldChangeKind `json:"kind"`
	From  json.RawMessage `json:"from,omitempty"`
	To    json.RawMessage `json:"to,omitempty"`
}

// ChangeSet is the result of comparing two entity snapshots.
type ChangeSet struct {
	HasChanges bool          `json:"has_changes"`
	Digest     string        `json:"digest"`
	Changes    []FieldChange `json:"changes,omitempty"`
	Important  bool          `json:"important"`
	Confidence Confidence    `json:"confidence"`
}

// Fields lists the names of all changed fields.
func (c ChangeSet) Fields() []string {
	fields := make([]string, 0, len(c.Changes))
	for _, ch := range c.Changes {
		fields = append(fields, ch.Field)
	}
	return fields
}
