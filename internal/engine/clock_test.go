package engine

import (
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_SequenceFromZero(t *testing.T) {
	c := NewClock()
	require.Zero(t, c.Current())

	got := []int64{c.Next(), c.Next(), c.Next()}
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, int64(3), c.Current(), "Current reads without issuing")
}

func TestClock_ResumesAfterStoredSeq(t *testing.T) {
	c := NewClockAt(41)
	assert.Equal(t, int64(41), c.Current())
	assert.Equal(t, int64(42), c.Next())
}

func TestClock_ConcurrentSubmissionsGetDistinctSeqs(t *testing.T) {
	c := NewClock()
	const workers, perWorker = 16, 250

	var (
		mu   sync.Mutex
		seqs []int64
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for range perWorker {
				local = append(local, c.Next())
			}
			mu.Lock()
			seqs = append(seqs, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	slices.Sort(seqs)
	require.Len(t, seqs, workers*perWorker)
	for i, seq := range seqs {
		require.Equal(t, int64(i+1), seq, "seqs are dense and unique")
	}
}
