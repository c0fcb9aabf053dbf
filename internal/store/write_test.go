package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgraph/trustops/internal/op"
)

func TestClaimHash_FirstWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	claimed, err := s.ClaimHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimHash(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, claimed, "second claim of the same hash must lose")

	claimed, err = s.ClaimHash(ctx, "h2")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimHash_ConcurrentSingleWinner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	const workers = 20
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimHash(ctx, "contested")
			if err != nil {
				t.Errorf("ClaimHash() failed: %v", err)
				return
			}
			if claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestSaveOperation_InitInsertOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	o := createTestOperation("alice", "g1", 100)

	written, err := s.SaveOperation(ctx, Record{Operation: o, Seq: 1})
	require.NoError(t, err)
	assert.True(t, written)

	written, err = s.SaveOperation(ctx, Record{Operation: o, Seq: 2})
	require.NoError(t, err)
	assert.False(t, written, "init record must not be rewritten")

	rec, err := s.ReadOperation(ctx, o.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, op.StateInit, rec.Operation.State)
}

func TestSaveOperation_PromotesInitToTerminal(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	o := createTestOperation("alice", "g1", 100)

	_, err := s.SaveOperation(ctx, Record{Operation: o, Seq: 1, SubmittedKey: "client-key"})
	require.NoError(t, err)

	applied := terminal(o, op.StateApplied, op.Result{"group": "g1"})
	written, err := s.SaveOperation(ctx, Record{Operation: applied, Seq: 9})
	require.NoError(t, err)
	assert.True(t, written)

	rec, err := s.ReadOperation(ctx, o.Key)
	require.NoError(t, err)
	assert.Equal(t, op.StateApplied, rec.Operation.State)
	assert.Equal(t, "g1", rec.Operation.Result["group"])
	assert.Equal(t, int64(1), rec.Seq, "seq is fixed at ingestion")
	assert.Equal(t, "client-key", rec.SubmittedKey)
}

func TestSaveOperation_TerminalNeverOverwritten(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	o := createTestOperation("alice", "g1", 100)

	written, err := s.SaveOperation(ctx, Record{Operation: terminal(o, op.StateFailed, op.Result{"error": "boom"}), Seq: 1})
	require.NoError(t, err)
	assert.True(t, written, "terminal record without init is inserted")

	written, err = s.SaveOperation(ctx, Record{Operation: terminal(o, op.StateApplied, nil), Seq: 2})
	require.NoError(t, err)
	assert.False(t, written)

	written, err = s.SaveOperation(ctx, Record{Operation: o, Seq: 3})
	require.NoError(t, err)
	assert.False(t, written, "init never replaces a terminal record")

	rec, err := s.ReadOperation(ctx, o.Key)
	require.NoError(t, err)
	assert.Equal(t, op.StateFailed, rec.Operation.State)
	assert.Equal(t, "boom", rec.Operation.Result["error"])
}

func TestSaveOperation_Rejects(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.SaveOperation(ctx, Record{})
	assert.Error(t, err)

	o := createTestOperation("alice", "g1", 100)
	o.Key = ""
	_, err = s.SaveOperation(ctx, Record{Operation: o})
	assert.Error(t, err)

	o = createTestOperation("alice", "g1", 100)
	o.State = "pending"
	_, err = s.SaveOperation(ctx, Record{Operation: o})
	assert.Error(t, err)
}

func TestRecordDuplicate_IncrementsExisting(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	o := createTestOperation("alice", "g1", 100)

	_, err := s.SaveOperation(ctx, Record{Operation: terminal(o, op.StateApplied, op.Result{}), Seq: 1})
	require.NoError(t, err)

	require.NoError(t, s.RecordDuplicate(ctx, o, 2))
	require.NoError(t, s.RecordDuplicate(ctx, o, 3))

	rec, err := s.ReadOperation(ctx, o.Key)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Duplicates)
	assert.Equal(t, op.StateApplied, rec.Operation.State, "original outcome is kept")
	assert.Equal(t, int64(1), rec.Seq)
}

func TestRecordDuplicate_InsertsWhenMissing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	o := createTestOperation("alice", "g1", 100)

	require.NoError(t, s.RecordDuplicate(ctx, o, 5))

	rec, err := s.ReadOperation(ctx, o.Key)
	require.NoError(t, err)
	assert.Equal(t, op.StateDuplicate, rec.Operation.State)
	assert.Equal(t, 1, rec.Duplicates)
	assert.Equal(t, op.StateInit, o.State, "caller's operation is not mutated")
}

func TestReleaseHash(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	o := createTestOperation("alice", "g1", 100)

	_, err := s.SaveOperation(ctx, Record{Operation: o, Seq: 1})
	require.NoError(t, err)
	_, err = s.ClaimHash(ctx, o.Key)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseHash(ctx, o.Key))
	claimed, err := s.ClaimHash(ctx, o.Key)
	require.NoError(t, err)
	assert.True(t, claimed, "released init claim can be taken again")

	_, err = s.SaveOperation(ctx, Record{Operation: terminal(o, op.StateApplied, nil), Seq: 2})
	require.NoError(t, err)
	require.NoError(t, s.ReleaseHash(ctx, o.Key))
	claimed, err = s.ClaimHash(ctx, o.Key)
	require.NoError(t, err)
	assert.False(t, claimed, "terminal records keep their claim")
}
