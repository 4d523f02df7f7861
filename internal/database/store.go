// Package database keeps a local, per-device log of bsr invocations in
// SQLite. The log never syncs: it records what this machine did and when,
// for troubleshooting, independent of the shared registry.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"bsr-go/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// OperationStatus is the lifecycle state of one recorded invocation.
type OperationStatus string

const (
	StatusStarted   OperationStatus = "started"
	StatusSucceeded OperationStatus = "succeeded"
	StatusFailed    OperationStatus = "failed"
)

// OperationRecord is one logged invocation.
type OperationRecord struct {
	ID         string
	Operation  string
	Parameters string
	Status     OperationStatus
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Store is the operation log backed by a SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (and migrates) the operation log at path. Use ":memory:" for
// an in-memory log.
func Open(path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating operation log: %w", err)
	}
	// MigrateUp is a no-op when the file was written by a newer binary;
	// CheckStatus catches that case (and a dirty migration state).
	if err := migrations.CheckStatus(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("operation log schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the store expects. Exported for tests that need a raw connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts a new started operation.
func (s *Store) RecordStart(rec OperationRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO operations (id, operation, parameters, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Operation, rec.Parameters, StatusStarted, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("recording operation start: %w", err)
	}
	return nil
}

// RecordFinish marks an operation finished with the given status.
func (s *Store) RecordFinish(id string, status OperationStatus, finishedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE operations SET status = ?, finished_at = ? WHERE id = ?`,
		status, finishedAt, id,
	)
	if err != nil {
		return fmt.Errorf("recording operation finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording operation finish: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("operation %s not found", id)
	}
	return nil
}

// ListRecent returns the most recent operations, newest first.
func (s *Store) ListRecent(limit int) ([]OperationRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, operation, parameters, status, started_at, finished_at
		 FROM operations ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var rec OperationRecord
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Operation, &rec.Parameters, &rec.Status, &rec.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			rec.FinishedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return out, nil
}
