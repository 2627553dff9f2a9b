package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_collection ON records (collection);
`

// SQLiteStore is the reference durable LocalStore, backed by a single
// sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if necessary initializes) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent state transitions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the record or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM records WHERE collection = ? AND id = ?`,
		collection, id)

	var rec Record
	var updatedAt int64
	if err := row.Scan(&rec.Data, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	rec.ID = id
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

// Put atomically creates or replaces a record.
func (s *SQLiteStore) Put(ctx context.Context, collection string, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		collection, rec.ID, rec.Data, rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, rec.ID, err)
	}
	return nil
}

// Delete removes a record if present.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Scan visits every record in a collection in id order until fn returns false.
func (s *SQLiteStore) Scan(ctx context.Context, collection string, fn func(Record) bool) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, updated_at FROM records WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return fmt.Errorf("scan %s: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec Record
		var updatedAt int64
		if err := rows.Scan(&rec.ID, &rec.Data, &updatedAt); err != nil {
			return fmt.Errorf("scan %s: %w", collection, err)
		}
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		if !fn(rec) {
			return nil
		}
	}
	return rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
