package store

import (
	"database/sql"
	"fmt"

	"github.com/trustgraph/trustops/internal/op"
)

// Record is a persisted operation together with its bookkeeping columns.
type Record struct {
	Operation *op.Operation

	// Seq is the engine's logical clock value when the record was written.
	Seq int64

	// SubmittedKey is the key the client declared, when the node rewrote
	// the operation (Sponsor by context identifier). Empty otherwise.
	SubmittedKey string

	// Duplicates counts later evaluations of the same hash.
	Duplicates int
}

func marshalOperation(o *op.Operation) (string, error) {
	data, err := op.EncodeRecord(o)
	if err != nil {
		return "", fmt.Errorf("marshal operation: %w", err)
	}
	return string(data), nil
}

func unmarshalOperation(data string) (*op.Operation, error) {
	o, err := op.DecodeRecord([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal operation: %w", err)
	}
	return o, nil
}

type scanner interface {
	Scan(dest ...any) error
}

const recordColumns = `record, seq, submitted_hash, duplicates`

func scanRecord(row scanner) (*Record, error) {
	var (
		data string
		rec  Record
	)
	if err := row.Scan(&data, &rec.Seq, &rec.SubmittedKey, &rec.Duplicates); err != nil {
		return nil, err
	}
	o, err := unmarshalOperation(data)
	if err != nil {
		return nil, err
	}
	rec.Operation = o
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return records, nil
}
