package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect-ai/recollect/internal/storage"
	"github.com/recollect-ai/recollect/pkg/types"
)

func newChunk(id, userID string, created time.Time) *types.Chunk {
	return &types.Chunk{
		ID:        id,
		EventID:   "ev-" + id,
		UserID:    userID,
		Content:   "content " + id,
		Status:    types.ChunkPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestEventsAreWriteOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	ev := &types.RawEvent{ID: "e1", UserID: "u1", Content: "hello", CreatedAt: time.Now()}
	require.NoError(t, s.PutEvent(ctx, ev))

	err := s.PutEvent(ctx, ev)
	require.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)

	_, err = s.GetEvent(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionChunkIsAtomic(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutChunks(ctx, []*types.Chunk{newChunk("c1", "u1", time.Now())}))

	require.NoError(t, s.TransitionChunk(ctx, "c1", types.ChunkPending, types.ChunkProcessed))

	// Replaying the same transition conflicts instead of silently passing.
	err := s.TransitionChunk(ctx, "c1", types.ChunkPending, types.ChunkProcessed)
	require.ErrorIs(t, err, storage.ErrConflict)

	err = s.TransitionChunk(ctx, "missing", types.ChunkPending, types.ChunkProcessed)
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkProcessed, got.Status)
}

func TestSetChunkErrorBumpsAttempts(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutChunks(ctx, []*types.Chunk{newChunk("c1", "u1", time.Now())}))

	require.NoError(t, s.SetChunkError(ctx, "c1", "boom"))
	require.NoError(t, s.SetChunkError(ctx, "c1", "boom again"))

	got, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkError, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "boom again", got.LastError)
}

func TestListChunksByStatusOrdersOldestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.PutChunks(ctx, []*types.Chunk{
		newChunk("newer", "u1", base.Add(time.Second)),
		newChunk("older", "u1", base),
	}))

	got, err := s.ListChunksByStatus(ctx, types.ChunkPending, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "older", got[0].ID)
	assert.Equal(t, "newer", got[1].ID)

	limited, err := s.ListChunksByStatus(ctx, types.ChunkPending, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "older", limited[0].ID)
}

func TestOrphanListRequiresProcessedStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	processed := newChunk("c1", "u1", time.Now())
	processed.Status = types.ChunkProcessed
	pending := newChunk("c2", "u1", time.Now())
	require.NoError(t, s.PutChunks(ctx, []*types.Chunk{processed, pending}))

	require.NoError(t, s.SetChunkOrphaned(ctx, "c1", true))
	require.NoError(t, s.SetChunkOrphaned(ctx, "c2", true))

	got, err := s.ListOrphanedChunks(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
}

func TestLinkChunkIsIdempotentAndCounts(t *testing.T) {
	s := New()
	ctx := context.Background()

	chunk := newChunk("c1", "u1", time.Now())
	chunk.Status = types.ChunkProcessed
	require.NoError(t, s.PutChunks(ctx, []*types.Chunk{chunk}))
	require.NoError(t, s.PutEpisode(ctx, &types.Episode{
		ID: "ep1", UserID: "u1", Title: "t", Status: types.EpisodeOpen,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	linked, err := s.LinkChunk(ctx, "c1", "ep1", 0.9)
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = s.LinkChunk(ctx, "c1", "ep1", 0.9)
	require.NoError(t, err)
	assert.False(t, linked, "relinking is a no-op")

	ep, err := s.GetEpisode(ctx, "ep1")
	require.NoError(t, err)
	assert.Equal(t, 1, ep.ChunkCount, "count bumps once")

	members, err := s.ListEpisodeChunks(ctx, "ep1")
	require.NoError(t, err)
	require.Len(t, members, 1)

	eps, err := s.EpisodesForChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ep1"}, eps)
}

func TestListOpenEpisodesFiltersStatusAndTime(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.PutEpisode(ctx, &types.Episode{
		ID: "recent", UserID: "u1", Status: types.EpisodeOpen,
		CreatedAt: base, UpdatedAt: base,
	}))
	require.NoError(t, s.PutEpisode(ctx, &types.Episode{
		ID: "stale", UserID: "u1", Status: types.EpisodeOpen,
		CreatedAt: base.Add(-48 * time.Hour), UpdatedAt: base.Add(-48 * time.Hour),
	}))
	require.NoError(t, s.PutEpisode(ctx, &types.Episode{
		ID: "closed", UserID: "u1", Status: types.EpisodeClosed,
		CreatedAt: base, UpdatedAt: base,
	}))

	got, err := s.ListOpenEpisodes(ctx, "u1", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "recent", got[0].ID)

	all, err := s.ListOpenEpisodes(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "zero since returns all open episodes")
}

func TestCountEpisodesUpdatedSince(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.PutEpisode(ctx, &types.Episode{
		ID: "a", UserID: "u1", Status: types.EpisodeOpen, CreatedAt: base, UpdatedAt: base,
	}))
	require.NoError(t, s.PutEpisode(ctx, &types.Episode{
		ID: "b", UserID: "u1", Status: types.EpisodeOpen,
		CreatedAt: base.Add(-48 * time.Hour), UpdatedAt: base.Add(-48 * time.Hour),
	}))

	n, err := s.CountEpisodesUpdatedSince(ctx, "u1", base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestThoughtLinks(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutEpisode(ctx, &types.Episode{
		ID: "ep1", UserID: "u1", Status: types.EpisodeOpen, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.PutThought(ctx, &types.Thought{
		ID: "th1", UserID: "u1", Name: "n", CreatedAt: now, UpdatedAt: now,
	}))

	linked, err := s.LinkEpisode(ctx, "ep1", "th1")
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = s.LinkEpisode(ctx, "ep1", "th1")
	require.NoError(t, err)
	assert.False(t, linked)

	eps, err := s.EpisodesForThought(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ep1"}, eps)

	thoughts, err := s.ListThoughts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, thoughts, 1)
}

func TestCopyOnReadIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutEpisode(ctx, &types.Episode{
		ID: "ep1", UserID: "u1", Status: types.EpisodeOpen,
		Centroid: []float32{1, 0}, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	got, err := s.GetEpisode(ctx, "ep1")
	require.NoError(t, err)
	got.Centroid[0] = 42
	got.Title = "mutated"

	fresh, err := s.GetEpisode(ctx, "ep1")
	require.NoError(t, err)
	assert.Equal(t, float32(1), fresh.Centroid[0], "callers cannot mutate stored state")
	assert.Empty(t, fresh.Title)
}
