package store

import (
	"context"
	"fmt"

	"github.com/trustgraph/trustops/internal/op"
)

// ClaimHash atomically adds hash to the existence index. It returns true
// if this call inserted it, false if it was already claimed. Concurrent
// claims of one hash have exactly one winner.
func (s *Store) ClaimHash(ctx context.Context, hash string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_hashes (hash) VALUES (?)
		ON CONFLICT(hash) DO NOTHING
	`, hash)
	if err != nil {
		return false, fmt.Errorf("claim hash: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim hash: rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ReleaseHash removes an unfinalised claim so the operation can be
// evaluated again. A hash whose record is already terminal stays claimed.
func (s *Store) ReleaseHash(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM operation_hashes
		WHERE hash = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM operations
		      WHERE hash = ? AND state <> 'init'
		  )
	`, hash, hash)
	if err != nil {
		return fmt.Errorf("release hash: %w", err)
	}
	return nil
}

// SaveOperation writes rec and reports whether anything was written.
//
// An init record is inserted only if no record with its hash exists. A
// terminal record is inserted, or promotes an existing init record in
// place; an existing terminal record is never overwritten.
func (s *Store) SaveOperation(ctx context.Context, rec Record) (bool, error) {
	o := rec.Operation
	if o == nil || o.Key == "" {
		return false, fmt.Errorf("save operation: missing key")
	}
	if o.State != op.StateInit && !o.State.Terminal() {
		return false, fmt.Errorf("save operation %s: invalid state %q", o.Key, o.State)
	}

	data, err := marshalOperation(o)
	if err != nil {
		return false, fmt.Errorf("save operation %s: %w", o.Key, err)
	}

	query := `
		INSERT INTO operations (hash, seq, name, state, timestamp, record, submitted_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`
	if o.State.Terminal() {
		// seq and submitted_hash keep the values from ingestion.
		query = `
			INSERT INTO operations (hash, seq, name, state, timestamp, record, submitted_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(hash) DO UPDATE SET
				state = excluded.state,
				record = excluded.record
			WHERE operations.state = 'init'
		`
	}

	result, err := s.db.ExecContext(ctx, query,
		o.Key,
		rec.Seq,
		string(o.Name()),
		string(o.State),
		o.Timestamp,
		data,
		rec.SubmittedKey,
	)
	if err != nil {
		return false, fmt.Errorf("save operation %s: %w", o.Key, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save operation %s: rows affected: %w", o.Key, err)
	}
	return rowsAffected > 0, nil
}

// RecordDuplicate notes another evaluation of an already claimed hash. The
// existing record's duplicate counter is incremented; if no record exists
// yet, o is stored with state duplicate.
func (s *Store) RecordDuplicate(ctx context.Context, o *op.Operation, seq int64) error {
	dup := o.Clone()
	dup.State = op.StateDuplicate
	data, err := marshalOperation(dup)
	if err != nil {
		return fmt.Errorf("record duplicate %s: %w", o.Key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations (hash, seq, name, state, timestamp, record, duplicates)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(hash) DO UPDATE SET duplicates = operations.duplicates + 1
	`,
		dup.Key,
		seq,
		string(dup.Name()),
		string(dup.State),
		dup.Timestamp,
		data,
	)
	if err != nil {
		return fmt.Errorf("record duplicate %s: %w", o.Key, err)
	}
	return nil
}
