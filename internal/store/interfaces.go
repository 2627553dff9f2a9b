package store

import (
	"context"
	"errors"
	"time"
)

// Collection names used by the sync engine. The durable store is the single
// source of truth; every in-memory cache is rebuilt from it on restart.
const (
	CollectionOperations = "operations"
	CollectionVersions   = "versions"
	CollectionConflicts  = "conflicts"
	CollectionSnapshots  = "snapshots"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is a single durable row.
type Record struct {
	ID        string
	Data      []byte
	UpdatedAt time.Time
}

// LocalStore is the narrow interface the engine requires from the local
// persistent store. Single-record writes must be atomic; multi-record
// transactions are not required.
type LocalStore interface {
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Record, error)

	// Put atomically creates or replaces a record.
	Put(ctx context.Context, collection string, rec Record) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Scan visits every record in a collection until fn returns false.
	Scan(ctx context.Context, collection string, fn func(Record) bool) error

	// Close releases underlying resources.
	Close() error
}
