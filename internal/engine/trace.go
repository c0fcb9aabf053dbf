package engine

import (
	"github.com/google/uuid"
)

// TraceIDGenerator produces the trace ID attached to one evaluation. Every
// log line and receipt of that evaluation carries it.
type TraceIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 trace IDs, so traces of
// one node sort by when evaluation started.
//
// Safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7. It panics if the random source
// fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
