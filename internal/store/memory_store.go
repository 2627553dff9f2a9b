package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory LocalStore used by tests and as a fallback
// when no durable backend is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Record),
	}
}

// Get returns the record or ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, collection, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := rec
	cp.Data = append([]byte(nil), rec.Data...)
	return &cp, nil
}

// Put atomically creates or replaces a record.
func (m *MemoryStore) Put(_ context.Context, collection string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]Record)
		m.collections[collection] = coll
	}
	rec.Data = append([]byte(nil), rec.Data...)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	coll[rec.ID] = rec
	return nil
}

// Delete removes a record if present.
func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

// Scan visits records in id order until fn returns false.
func (m *MemoryStore) Scan(_ context.Context, collection string, fn func(Record) bool) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.collections[collection]))
	for id := range m.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	recs := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec := m.collections[collection][id]
		rec.Data = append([]byte(nil), rec.Data...)
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	for _, rec := range recs {
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// Close implements LocalStore.
func (m *MemoryStore) Close() error {
	return nil
}
