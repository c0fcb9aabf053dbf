// Package store persists operation records and the content-hash
// existence index in SQLite.
//
// Two tables back the content-address guard:
//   - operation_hashes: one row per claimed hash. ClaimHash is a single
//     INSERT ... ON CONFLICT DO NOTHING, so concurrent claims of the same
//     hash have exactly one winner.
//   - operations: the records themselves, with their lifecycle state.
//     An init record may be promoted to a terminal state once; a terminal
//     record is never overwritten.
//
// All listings are ordered by seq, the engine's logical clock, then by
// hash, so results are identical across runs.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - operations.submitted_hash added
const currentSchemaVersion = 1

// ErrNotFound is returned when no record exists for a hash.
var ErrNotFound = errors.New("operation not found")

// Store provides durable storage for operation records.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// MemoryPath opens a private in-memory database. Its contents live as
// long as the Store.
const MemoryPath = ":memory:"

// Open creates or opens the operation database at path and brings its
// schema up to date.
//
// The connection pool is pinned to a single connection: SQLite has one
// writer, and an in-memory database exists only on the connection that
// created it. File databases run in WAL mode with NORMAL synchronous
// writes and a 5-second busy timeout.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db, path == MemoryPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB, memory bool) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	if !memory {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates missing tables, then runs every migration newer
// than the database's user_version. Safe to run on every open.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

type migration struct {
	version int
	apply   func(*sql.DB) error
}

// migrations upgrade databases created by older schemas, in order.
var migrations = []migration{
	{version: 1, apply: migrateToV1},
}

// migrateToV1 adds submitted_hash to databases created before Sponsor
// rewriting recorded the client's key. New databases get the column from
// schema.sql.
func migrateToV1(db *sql.DB) error {
	var present int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('operations') WHERE name = 'submitted_hash'`).Scan(&present)
	if err != nil {
		return err
	}
	if present > 0 {
		return nil
	}
	_, err = db.Exec(`ALTER TABLE operations ADD COLUMN submitted_hash TEXT NOT NULL DEFAULT ''`)
	return err
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
