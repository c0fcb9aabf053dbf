package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgraph/trustops/internal/op"
)

func queued(key string) *op.Operation {
	return &op.Operation{Key: key, Body: &op.AddMembership{ID: "alice", Group: "g1"}}
}

func TestApplyQueue_EnqueueDequeue(t *testing.T) {
	q := newApplyQueue()

	require.True(t, q.Enqueue(queued("k1")))

	got, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "k1", got.Key)
}

func TestApplyQueue_FIFO(t *testing.T) {
	q := newApplyQueue()
	for _, k := range []string{"A", "B", "C"} {
		q.Enqueue(queued(k))
	}

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.Key)
	}
}

func TestApplyQueue_TryDequeue_Empty(t *testing.T) {
	q := newApplyQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestApplyQueue_WaitSignals(t *testing.T) {
	q := newApplyQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(queued("late"))
	}()

	select {
	case <-q.Wait():
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, "late", got.Key)
	case <-time.After(time.Second):
		t.Fatal("wait did not fire")
	}
}

func TestApplyQueue_CloseWakesWaiters(t *testing.T) {
	q := newApplyQueue()
	q.Close()

	select {
	case <-q.Wait():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("wait did not fire after close")
	}
	// Close is idempotent.
	q.Close()
}

func TestApplyQueue_EnqueueAfterClose(t *testing.T) {
	q := newApplyQueue()
	q.Enqueue(queued("before"))
	q.Close()

	assert.False(t, q.Enqueue(queued("after")))

	got, ok := q.TryDequeue()
	require.True(t, ok, "operations queued before close are still delivered")
	assert.Equal(t, "before", got.Key)
}

func TestApplyQueue_Len(t *testing.T) {
	q := newApplyQueue()
	assert.Equal(t, 0, q.Len())

	q.Enqueue(queued("1"))
	q.Enqueue(queued("2"))
	assert.Equal(t, 2, q.Len())

	q.TryDequeue()
	assert.Equal(t, 1, q.Len())
	q.TryDequeue()
	assert.Equal(t, 0, q.Len())
}

func TestApplyQueue_ThreadSafe(t *testing.T) {
	q := newApplyQueue()

	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(queued(fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	seen := map[string]bool{}
	for {
		o, ok := q.TryDequeue()
		if !ok {
			break
		}
		seen[o.Key] = true
	}
	assert.Len(t, seen, producers*perProducer)
}
