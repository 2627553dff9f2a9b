package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Canonical content hashing shared by the change detector, version store and
// operation queue. One implementation guarantees identical digest semantics
// everywhere: object keys are sorted, arrays of primitives/objects are
// sorted by their canonical encoding, and listed fields are stripped before
// hashing so volatile sync bookkeeping never causes false mismatches.

// CanonicalJSON re-encodes a JSON document in canonical form.
// Top-level fields named in ignore are dropped first.
func CanonicalJSON(data []byte, ignore ...string) ([]byte, error) {
	var v interface{}
	if len(data) == 0 {
		data = []byte("null")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	if m, ok := v.(map[string]interface{}); ok {
		for _, field := range ignore {
			delete(m, field)
		}
	}
	return marshalCanonical(v)
}

// Digest computes the canonical content digest of a JSON document as a
// 16-character hex string.
func Digest(data []byte, ignore ...string) (string, error) {
	canonical, err := CanonicalJSON(data, ignore...)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical)), nil
}

func marshalCanonical(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []interface{}:
		parts := make([][]byte, 0, len(val))
		for _, item := range val {
			b, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			parts = append(parts, b)
		}
		// Element order must not affect the digest.
		sort.Slice(parts, func(i, j int) bool {
			return bytes.Compare(parts[i], parts[j]) < 0
		})
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, p := range parts {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(p)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(v)
	}
}
