package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recollect-ai/recollect/internal/index"
	"github.com/recollect-ai/recollect/internal/index/memvec"
	"github.com/recollect-ai/recollect/internal/lease"
	"github.com/recollect-ai/recollect/internal/llm/llmtest"
	"github.com/recollect-ai/recollect/internal/queue"
	"github.com/recollect-ai/recollect/internal/storage/memstore"
)

// stubQueue collects enqueued jobs and replays them on demand so tests drive
// the async pipeline deterministically.
type stubQueue struct {
	mu       sync.Mutex
	handlers map[string]queue.Handler
	pending  []queue.Job
	log      []string
}

func newStubQueue() *stubQueue {
	return &stubQueue{handlers: make(map[string]queue.Handler)}
}

func (q *stubQueue) Enqueue(_ context.Context, name string, payload any, opts queue.Options) error {
	job, err := queue.NewJob(name, payload, opts)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.log = append(q.log, name)
	q.mu.Unlock()
	return nil
}

func (q *stubQueue) Register(name string, h queue.Handler) {
	q.handlers[name] = h
}

func (q *stubQueue) Start(context.Context) error { return nil }
func (q *stubQueue) Stop(context.Context) error  { return nil }

func (q *stubQueue) DeadLetters(context.Context, int) ([]queue.Job, error) { return nil, nil }

// Drain runs pending jobs, including ones enqueued while draining, until the
// queue is empty. The first handler error stops the drain.
func (q *stubQueue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return nil
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		h, ok := q.handlers[job.Name]
		if !ok {
			continue
		}
		if err := h(ctx, job.Payload); err != nil {
			return err
		}
	}
}

// Enqueued counts enqueues of one job name.
func (q *stubQueue) Enqueued(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, entry := range q.log {
		if entry == name {
			n++
		}
	}
	return n
}

type testRig struct {
	engine   *Engine
	store    *memstore.Store
	index    *memvec.Index
	queue    *stubQueue
	provider *llmtest.Fake
	lessor   *lease.Memory
}

func newTestRig(t *testing.T, mutate func(*Config)) *testRig {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ChunkMinTokens = 2
	cfg.ChunkMaxTokens = 8
	cfg.RetrievalCertainty = 0.5
	if mutate != nil {
		mutate(&cfg)
	}

	provider := &llmtest.Fake{Dim: 8}
	store := memstore.New()
	idx := memvec.New()
	q := newStubQueue()
	lessor := lease.NewMemory()

	eng, err := New(cfg, Deps{
		Store:    store,
		Index:    idx,
		Queue:    q,
		Provider: provider,
		Lessor:   lessor,
		Logger:   slog.Default(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, class := range []string{index.ClassChunk, index.ClassEpisode, index.ClassThought} {
		require.NoError(t, idx.EnsureClass(ctx, index.Class{Name: class, Dimension: provider.Dimension()}))
	}

	return &testRig{engine: eng, store: store, index: idx, queue: q, provider: provider, lessor: lessor}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.AttachThreshold = 1.5
	require.Error(t, bad.Validate())

	bad = cfg
	bad.MinClusterSize = 1
	require.Error(t, bad.Validate())

	bad = cfg
	bad.ClusterRadius = 0
	require.Error(t, bad.Validate())
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	require.Error(t, err)
}

func TestApplyTunables(t *testing.T) {
	rig := newTestRig(t, nil)

	require.NoError(t, rig.engine.ApplyTunables(Tunables{
		ImportanceThreshold: 0.5,
		AttachThreshold:     0.9,
		ClusterRadius:       0.85,
		RetrievalCertainty:  0.6,
	}))
	require.Equal(t, 0.9, rig.engine.attachThreshold())
	require.Equal(t, 0.5, rig.engine.importanceThreshold())

	// Out-of-range values are rejected and leave the previous set in place.
	require.Error(t, rig.engine.ApplyTunables(Tunables{
		ImportanceThreshold: 0.5,
		AttachThreshold:     1.5,
		ClusterRadius:       0.85,
		RetrievalCertainty:  0.6,
	}))
	require.Equal(t, 0.9, rig.engine.attachThreshold())
}
