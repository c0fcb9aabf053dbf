package store

import (
	"path/filepath"
	"testing"

	"github.com/trustgraph/trustops/internal/op"
)

// createTestStore creates a fresh database under t.TempDir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOperation builds a keyed Add Membership record in state init.
// Signatures are not checked by the store, so none are set.
func createTestOperation(id, group string, ts int64) *op.Operation {
	o := &op.Operation{
		Version:   6,
		Timestamp: ts,
		State:     op.StateInit,
		Body:      &op.AddMembership{ID: id, Group: group, Sig: "sig-" + id},
	}
	o.Key = op.MustComputeKey(o)
	return o
}

func terminal(o *op.Operation, state op.State, result op.Result) *op.Operation {
	c := o.Clone()
	c.State = state
	c.Result = result
	return c
}
