package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	assert.InDelta(t, 1.0, Cosine(a, a), 1e-9)
	assert.InDelta(t, 0.0, Cosine(a, b), 1e-9)
	assert.Zero(t, Cosine(a, []float32{1, 0}), "mismatched lengths score zero")
	assert.Zero(t, Cosine(a, []float32{0, 0, 0}), "zero vector scores zero")
	assert.Zero(t, Cosine(nil, nil))

	// Opposed vectors clamp to zero rather than going negative.
	assert.Zero(t, Cosine(a, []float32{-1, 0, 0}))
}

func TestMean(t *testing.T) {
	got := Mean([][]float32{{1, 0}, {0, 1}})
	assert.Equal(t, []float32{0.5, 0.5}, got)

	assert.Nil(t, Mean(nil))
	assert.Nil(t, Mean([][]float32{{1, 0}, {1}}), "ragged input yields nil")

	single := Mean([][]float32{{2, 4}})
	assert.Equal(t, []float32{2, 4}, single)
}

func TestKeyMutexSerializesSameKey(t *testing.T) {
	km := newKeyMutex()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("episode-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)

	// All lock entries are released.
	km.mu.Lock()
	assert.Empty(t, km.locks)
	km.mu.Unlock()
}

func TestKeyMutexIndependentKeys(t *testing.T) {
	km := newKeyMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on independent key blocked")
	}
}

func TestOrphanCounterBacklogTrigger(t *testing.T) {
	tracker := NewOrphanCounter(5, 100, time.Hour)
	for i := 0; i < 4; i++ {
		assert.False(t, tracker.Record("u1"))
	}
	assert.True(t, tracker.Record("u1"), "fifth orphan reaches the backlog threshold")
}

func TestOrphanCounterBurstTrigger(t *testing.T) {
	counter := NewOrphanCounter(1000, 3, 10*time.Minute).(*orphanCounter)
	now := time.Now()
	counter.now = func() time.Time { return now }

	require.False(t, counter.Record("u1"))
	require.False(t, counter.Record("u1"))
	assert.True(t, counter.Record("u1"), "three orphans inside the window trigger")

	// Outside the window the burst resets.
	counter.Reset("u1")
	require.False(t, counter.Record("u1"))
	now = now.Add(11 * time.Minute)
	require.False(t, counter.Record("u1"))
	now = now.Add(11 * time.Minute)
	assert.False(t, counter.Record("u1"), "spread-out orphans never burst")
}

func TestOrphanCounterPerUser(t *testing.T) {
	tracker := NewOrphanCounter(1000, 2, time.Hour)
	require.False(t, tracker.Record("u1"))
	require.False(t, tracker.Record("u2"))
	assert.True(t, tracker.Record("u1"), "users are counted independently")
}

func TestClusterBySimilarity(t *testing.T) {
	vectors := map[string][]float32{
		"a": {1, 0},
		"b": {0.95, 0.312},
		"c": {0, 1},
	}
	clusters := clusterBySimilarity([]string{"a", "b", "c"}, vectors, 0.8)
	require.Len(t, clusters, 2)

	sizes := []int{len(clusters[0]), len(clusters[1])}
	assert.ElementsMatch(t, []int{2, 1}, sizes)
}
