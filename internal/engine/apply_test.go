package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
	"github.com/trustgraph/trustops/internal/testutil"
)

func TestApply_AppliesAndRecords(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.NewIdentity(t)
	bob := testutil.NewIdentity(t)
	o := testutil.AddConnection(t, alice, bob, baseTime)

	out, err := env.engine.Apply(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, op.StateApplied, out.State)
	assert.Equal(t, op.Result{"level": graph.LevelJustMet}, out.Result)
	assert.Empty(t, o.State, "input is not modified")

	_, ok := env.graph.Connection(alice.ID, bob.ID)
	assert.True(t, ok)

	rec := env.record(t, o.Key)
	assert.Equal(t, op.StateApplied, rec.Operation.State)
}

func TestApply_AtMostOnce(t *testing.T) {
	g := &countingGraph{Memory: graph.NewMemory()}
	env := newTestEnvOver(t, g)
	ctx := context.Background()
	alice := testutil.NewIdentity(t)
	bob := testutil.NewIdentity(t)
	o := testutil.AddConnection(t, alice, bob, baseTime)

	first, err := env.engine.Apply(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, op.StateApplied, first.State)

	second, err := env.engine.Apply(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, op.StateDuplicate, second.State)

	assert.Equal(t, int32(1), g.connections.Load())

	rec := env.record(t, o.Key)
	assert.Equal(t, op.StateApplied, rec.Operation.State, "the terminal record is never overwritten")
}

func TestApply_ConcurrentSameOperation(t *testing.T) {
	g := &countingGraph{Memory: graph.NewMemory()}
	env := newTestEnvOver(t, g)
	alice := testutil.NewIdentity(t)
	bob := testutil.NewIdentity(t)
	o := testutil.AddConnection(t, alice, bob, baseTime)

	const workers = 10
	states := make([]op.State, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.engine.Apply(context.Background(), o)
			if assert.NoError(t, err) {
				states[i] = out.State
			}
		}()
	}
	wg.Wait()

	applied := 0
	for _, s := range states {
		if s == op.StateApplied {
			applied++
		} else {
			assert.Equal(t, op.StateDuplicate, s)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, int32(1), g.connections.Load())
}

func TestApplyPending_AfterSubmit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := testutil.NewIdentity(t)
	bob := testutil.NewIdentity(t)
	carol := testutil.NewIdentity(t)

	first := testutil.AddConnection(t, alice, bob, baseTime)
	second := testutil.AddConnection(t, alice, carol, baseTime+1)
	for _, o := range []*op.Operation{first, second} {
		_, err := env.engine.Submit(ctx, o)
		require.NoError(t, err)
	}

	applied, err := env.engine.ApplyPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, first.Key, applied[0].Key)
	assert.Equal(t, second.Key, applied[1].Key)

	rec := env.record(t, first.Key)
	assert.Equal(t, op.StateApplied, rec.Operation.State)
	assert.Equal(t, int64(1), rec.Seq, "the ingestion seq is kept")

	again, err := env.engine.ApplyPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestApplyPending_Limit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := testutil.NewIdentity(t)

	for _, g := range []string{"g1", "g2", "g3"} {
		_, err := env.engine.Submit(ctx, testutil.AddMembership(t, alice, g, baseTime))
		require.NoError(t, err)
	}

	applied, err := env.engine.ApplyPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, applied, 2)

	counts, err := env.store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[op.StateInit])
}

func TestApply_FailureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.NewIdentity(t)

	// No invite to the group exists.
	o := testutil.AddMembership(t, alice, "g1", baseTime)
	out, err := env.engine.Apply(context.Background(), o)
	require.NoError(t, err, "mutation failures are recorded, not returned")
	assert.Equal(t, op.StateFailed, out.State)
	assert.NotEmpty(t, out.Result["error"])

	rec := env.record(t, o.Key)
	assert.Equal(t, op.StateFailed, rec.Operation.State)
	assert.Equal(t, out.Result, rec.Operation.Result)
	assert.Contains(t, env.logs.String(), `"level":"WARN"`)
}

func TestApply_BadSignatureFails(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.NewIdentity(t)
	bob := testutil.NewIdentity(t)
	o := testutil.AddConnection(t, alice, bob, baseTime)
	o.Body.(*op.AddConnection).Sig2 = o.Body.(*op.AddConnection).Sig1

	out, err := env.engine.Apply(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, op.StateFailed, out.State)
	assert.Equal(t, string(op.CodeInvalidSignature), out.Result["code"])

	_, ok := env.graph.Connection(alice.ID, bob.ID)
	assert.False(t, ok)
}

func TestApply_InvalidHashFails(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.NewIdentity(t)
	o := testutil.AddMembership(t, alice, "g1", baseTime)
	o.Key = op.Hash("not this operation")

	out, err := env.engine.Apply(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, op.StateFailed, out.State)
	assert.Equal(t, string(op.CodeInvalidHash), out.Result["code"])
}

func TestApply_RejectsMissingKey(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.NewIdentity(t)
	o := testutil.AddMembership(t, alice, "g1", baseTime)
	o.Key = ""

	_, err := env.engine.Apply(context.Background(), o)
	requireCode(t, err, op.CodeInvalidOperation)

	_, err = env.engine.Apply(context.Background(), nil)
	requireCode(t, err, op.CodeInvalidOperation)
}

func TestApply_LinkUnknownContextIgnored(t *testing.T) {
	env := newTestEnv(t)
	alice := testutil.NewIdentity(t)
	o := testutil.LinkContextID(t, alice, "retired", "partner-user-4711", baseTime)
	o.Result = op.Result{"note": "from upstream"}

	out, err := env.engine.Apply(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, op.StateIgnored, out.State)
	assert.Equal(t, op.Result{"note": "from upstream"}, out.Result)

	link := out.Body.(*op.LinkContextID)
	assert.Empty(t, link.ID)
	assert.Empty(t, link.ContextID)
	assert.NotContains(t, env.rawRecord(t, o.Key), "partner-user-4711")
}

func TestApply_LinkBadSignatureRedacted(t *testing.T) {
	env := newTestEnv(t)
	c := testutil.NewContext(t, "idchain", 1)
	env.graph.PutContext(c)
	alice := testutil.NewIdentity(t)
	mallory := testutil.NewIdentity(t)
	env.graph.PutUser(alice.User())

	o := testutil.LinkContextID(t, alice, "idchain", "partner-user-4711", baseTime)
	forged := testutil.LinkContextID(t, mallory, "idchain", "partner-user-4711", baseTime)
	o.Body.(*op.LinkContextID).Sig = forged.Body.(*op.LinkContextID).Sig

	out, err := env.engine.Apply(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, op.StateFailed, out.State)
	assert.Equal(t, "link contextId failed", out.Result["error"])
	assert.True(t, out.Body.(*op.LinkContextID).IsEncrypted())

	raw := env.rawRecord(t, o.Key)
	assert.NotContains(t, raw, "partner-user-4711")
	assert.NotContains(t, raw, alice.ID)
	assert.NotContains(t, env.logs.String(), "partner-user-4711")

	_, err = env.graph.ContextIDOwner(context.Background(), "idchain", "partner-user-4711")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestApply_LinkRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := testutil.NewContext(t, "idchain", 1)
	env.graph.PutContext(c)
	alice := testutil.NewIdentity(t)
	env.graph.PutUser(alice.User())

	o := testutil.LinkContextID(t, alice, "idchain", "partner-user-4711", baseTime)
	_, err := env.engine.Submit(ctx, o)
	require.NoError(t, err)

	applied, err := env.engine.ApplyPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, op.StateApplied, applied[0].State)
	assert.Equal(t, op.Result{"linked": true}, applied[0].Result)
	assert.True(t, applied[0].Body.(*op.LinkContextID).IsEncrypted())

	owner, err := env.graph.ContextIDOwner(ctx, "idchain", "partner-user-4711")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, owner)

	assert.NotContains(t, env.rawRecord(t, o.Key), "partner-user-4711")
	assert.NotContains(t, env.logs.String(), "partner-user-4711")
}

func TestApply_PanicRecordedWithStack(t *testing.T) {
	env := newTestEnvOver(t, panickingGraph{Memory: graph.NewMemory()})
	alice := testutil.NewIdentity(t)
	o := testutil.AddMembership(t, alice, "g1", baseTime)

	out, err := env.engine.Apply(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, op.StateFailed, out.State)
	assert.Contains(t, out.Result["error"], "membership index corrupted")
	assert.Contains(t, out.Result["stack"], "panickingGraph")

	rec := env.record(t, o.Key)
	assert.Equal(t, op.StateFailed, rec.Operation.State)
}

func TestApply_UnavailableReleasesClaim(t *testing.T) {
	g := &flakyGraph{Memory: graph.NewMemory()}
	c := testutil.NewContext(t, "idchain", 1)
	g.PutContext(c)
	alice := testutil.NewIdentity(t)
	g.PutUser(alice.User())
	env := newTestEnvOver(t, g)
	ctx := context.Background()

	o := testutil.LinkContextID(t, alice, "idchain", "partner-user-4711", baseTime)
	g.down.Store(true)

	_, err := env.engine.Apply(ctx, o)
	requireCode(t, err, op.CodeUnavailable)

	exists, err := env.store.HashExists(ctx, o.Key)
	require.NoError(t, err)
	assert.False(t, exists, "the claim is released and nothing is recorded")

	g.down.Store(false)
	out, err := env.engine.Apply(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, op.StateApplied, out.State)
}

func TestApply_CancelAfterMutationStillRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := &hookedGraph{countingGraph: countingGraph{Memory: graph.NewMemory()}, after: cancel}
	env := newTestEnvOver(t, g)
	alice := testutil.NewIdentity(t)
	bob := testutil.NewIdentity(t)
	o := testutil.AddConnection(t, alice, bob, baseTime)

	out, err := env.engine.Apply(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, op.StateApplied, out.State)
	assert.Equal(t, op.StateApplied, env.record(t, o.Key).Operation.State)

	again, err := env.engine.Apply(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, op.StateDuplicate, again.State)
	assert.Equal(t, int32(1), g.connections.Load())
}

func TestApply_PersistFailureKeepsClaim(t *testing.T) {
	g := &hookedGraph{countingGraph: countingGraph{Memory: graph.NewMemory()}}
	env := newTestEnvOver(t, g)
	ctx := context.Background()
	alice := testutil.NewIdentity(t)
	bob := testutil.NewIdentity(t)
	o := testutil.AddConnection(t, alice, bob, baseTime)

	_, err := env.engine.Submit(ctx, o)
	require.NoError(t, err)

	db := env.store.DB()
	g.after = func() {
		_, err := db.Exec(`ALTER TABLE operations RENAME TO operations_offline`)
		require.NoError(t, err)
	}
	_, err = env.engine.ApplyPending(ctx, 0)
	requireCode(t, err, op.CodeUnavailable)

	g.after = nil
	_, err = db.Exec(`ALTER TABLE operations_offline RENAME TO operations`)
	require.NoError(t, err)

	exists, err := env.store.HashExists(ctx, o.Key)
	require.NoError(t, err)
	assert.True(t, exists, "the key stays claimed")
	assert.Equal(t, op.StateInit, env.record(t, o.Key).Operation.State)

	applied, err := env.engine.ApplyPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, applied, "a claimed record is not offered again")
	assert.Equal(t, int32(1), g.connections.Load())
}
