package service

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/Golden-forest/cardall-sync/internal/model"
	"github.com/Golden-forest/cardall-sync/internal/util"
	"go.uber.org/zap"
)

// volatileFields are internal sync bookkeeping stripped before hashing and
// comparison so they never produce false mismatches.
var volatileFields = []string{
	"sync_status",
	"synced_at",
	"last_synced_version",
	"local_updated_at",
}

// comparisonSets restricts field-level diffing to the fields that matter
// per entity type. Unknown types fall back to comparing every field.
var comparisonSets = map[model.EntityType][]string{
	model.EntityCard:   {"title", "content", "tags", "folder_id", "style", "position", "archived"},
	model.EntityFolder: {"name", "parent_id", "color", "position"},
	model.EntityTag:    {"name", "color"},
	model.EntityImage:  {"file_name", "url", "size", "checksum"},
}

// importantFields are the semantically important fields per entity type; a
// change to any of them yields high detection confidence.
var importantFields = map[model.EntityType][]string{
	model.EntityCard:   {"title", "content"},
	model.EntityFolder: {"name"},
	model.EntityTag:    {"name"},
	model.EntityImage:  {"checksum", "url"},
}

// ChangeDetector compares entity snapshots field by field and scores the
// confidence of the comparison.
type ChangeDetector struct {
	logger *zap.Logger
}

// NewChangeDetector creates a change detector.
func NewChangeDetector(logger *zap.Logger) *ChangeDetector {
	return &ChangeDetector{logger: logger}
}

// Digest computes the canonical digest of a snapshot with volatile fields
// stripped. This is the same digest stored in VersionInfo.Hash.
func (d *ChangeDetector) Digest(data []byte) (string, error) {
	return util.Digest(data, volatileFields...)
}

// DetectChanges compares two snapshots of the same entity. A digest match
// short-circuits to "no changes, high confidence"; otherwise each differing
// field in the comparison set is classified as added, modified or removed.
func (d *ChangeDetector) DetectChanges(oldData, newData []byte, entityType model.EntityType) (model.ChangeSet, error) {
	newDigest, err := d.Digest(newData)
	if err != nil {
		return model.ChangeSet{}, err
	}
	result := model.ChangeSet{Digest: newDigest, Confidence: model.ConfidenceHigh}

	if len(oldData) > 0 {
		oldDigest, err := d.Digest(oldData)
		if err != nil {
			return model.ChangeSet{}, err
		}
		if oldDigest == newDigest {
			return result, nil
		}
	}

	oldFields, err := decodeFields(oldData)
	if err != nil {
		return model.ChangeSet{}, err
	}
	newFields, err := decodeFields(newData)
	if err != nil {
		return model.ChangeSet{}, err
	}

	for _, field := range comparedFields(entityType, oldFields, newFields) {
		oldVal, hadOld := oldFields[field]
		newVal, hasNew := newFields[field]
		switch {
		case !hadOld && hasNew:
			result.Changes = append(result.Changes, model.FieldChange{
				Field: field, Kind: model.FieldAdded, To: rawValue(newVal),
			})
		case hadOld && !hasNew:
			result.Changes = append(result.Changes, model.FieldChange{
				Field: field, Kind: model.FieldRemoved, From: rawValue(oldVal),
			})
		case hadOld && hasNew && !canonicallyEqual(oldVal, newVal):
			result.Changes = append(result.Changes, model.FieldChange{
				Field: field, Kind: model.FieldModified, From: rawValue(oldVal), To: rawValue(newVal),
			})
		}
	}

	result.HasChanges = len(result.Changes) > 0
	result.Important = d.importantChanged(entityType, result.Changes)
	result.Confidence = scoreConfidence(result)
	return result, nil
}

func (d *ChangeDetector) importantChanged(entityType model.EntityType, changes []model.FieldChange) bool {
	important := importantFields[entityType]
	for _, ch := range changes {
		for _, field := range important {
			if ch.Field == field {
				return true
			}
		}
	}
	return false
}

// scoreConfidence grades the detection: high for no changes or any
// semantically important change, medium for up to two incidental changes,
// low otherwise.
func scoreConfidence(cs model.ChangeSet) model.Confidence {
	switch {
	case len(cs.Changes) == 0, cs.Important:
		return model.ConfidenceHigh
	case len(cs.Changes) <= 2:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

func decodeFields(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return map[string]interface{}{}, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for _, volatile := range volatileFields {
		delete(fields, volatile)
	}
	return fields, nil
}

// comparedFields returns the sorted field set to diff: the configured
// comparison set for known entity types, otherwise the union of both
// snapshots' fields.
func comparedFields(entityType model.EntityType, oldFields, newFields map[string]interface{}) []string {
	if set, ok := comparisonSets[entityType]; ok {
		return set
	}
	union := make(map[string]bool, len(oldFields)+len(newFields))
	for field := range oldFields {
		union[field] = true
	}
	for field := range newFields {
		union[field] = true
	}
	fields := make([]string, 0, len(union))
	for field := range union {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func canonicallyEqual(a, b interface{}) bool {
	ab, err := canonicalValue(a)
	if err != nil {
		return false
	}
	bb, err := canonicalValue(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func canonicalValue(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return util.CanonicalJSON(raw)
}

func rawValue(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
