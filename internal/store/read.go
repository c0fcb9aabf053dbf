package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trustgraph/trustops/internal/op"
)

// HashExists reports whether hash is claimed in the existence index or
// already has a record.
func (s *Store) HashExists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM operation_hashes WHERE hash = ?)
		    OR EXISTS (SELECT 1 FROM operations WHERE hash = ?)
	`, hash, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("hash exists: %w", err)
	}
	return exists, nil
}

// ReadOperation returns the record stored under hash, or ErrNotFound.
func (s *Store) ReadOperation(ctx context.Context, hash string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM operations
		WHERE hash = ?
	`, hash)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read operation %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read operation %s: %w", hash, err)
	}
	return rec, nil
}

// ListOperations returns records in seq order. An empty state lists every
// state; a non-positive limit lists everything.
func (s *Store) ListOperations(ctx context.Context, state op.State, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM operations
		WHERE ? = '' OR state = ?
		ORDER BY seq ASC, hash COLLATE BINARY ASC
		LIMIT ?
	`, string(state), string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return scanRecords(rows)
}

// ListPending returns init records whose hash has not been claimed, in seq
// order. A record that was claimed but never finalised stays init and is
// not offered again.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM operations o
		WHERE o.state = 'init'
		  AND NOT EXISTS (SELECT 1 FROM operation_hashes h WHERE h.hash = o.hash)
		ORDER BY o.seq ASC, o.hash COLLATE BINARY ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending operations: %w", err)
	}
	return scanRecords(rows)
}

// CountByState returns the number of records in each state.
func (s *Store) CountByState(ctx context.Context) (map[op.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM operations GROUP BY state ORDER BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	defer rows.Close()

	counts := map[op.State]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count operations: %w", err)
		}
		counts[op.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	return counts, nil
}

// MaxSeq returns the highest seq recorded, or 0 for an empty store. The
// engine resumes its logical clock from it.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM operations`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}
