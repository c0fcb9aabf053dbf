package testutil

// FixedTraceGenerator returns the same trace ID every time.
//
// Engine logs and receipts then carry a predictable trace_id, which keeps
// assertions on them simple.
//
// Thread-safety: FixedTraceGenerator is stateless and safe for concurrent use.
type FixedTraceGenerator struct {
	id string
}

// NewFixedTraceGenerator creates a fixed trace ID generator.
// If id is empty, Generate() returns "test-trace-default".
func NewFixedTraceGenerator(id string) *FixedTraceGenerator {
	if id == "" {
		id = "test-trace-default"
	}
	return &FixedTraceGenerator{id: id}
}

// Generate returns the fixed trace ID.
//
// Implements engine.TraceIDGenerator interface.
func (g *FixedTraceGenerator) Generate() string {
	return g.id
}
