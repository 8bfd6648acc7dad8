package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect-ai/recollect/internal/storage"
	"github.com/recollect-ai/recollect/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "recollect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putEvent(t *testing.T, s *Store, id, userID string) {
	t.Helper()
	require.NoError(t, s.PutEvent(context.Background(), &types.RawEvent{
		ID:          id,
		UserID:      userID,
		ContentType: types.ContentConversation,
		Content:     "some content",
		CreatedAt:   time.Now(),
	}))
}

func putChunk(t *testing.T, s *Store, id, eventID, userID string, status types.ChunkStatus) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.PutChunks(context.Background(), []*types.Chunk{{
		ID:        id,
		EventID:   eventID,
		UserID:    userID,
		Content:   "fragment",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}}))
}

func TestEventsAreWriteOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putEvent(t, s, "ev1", "alice")

	err := s.PutEvent(ctx, &types.RawEvent{
		ID: "ev1", UserID: "alice",
		ContentType: types.ContentConversation,
		Content:     "rewritten", CreatedAt: time.Now(),
	})
	require.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetEvent(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, "some content", got.Content)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChunkRoundTripAndTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putEvent(t, s, "ev1", "alice")
	putChunk(t, s, "c1", "ev1", "alice", types.ChunkPending)

	require.NoError(t, s.TransitionChunk(ctx, "c1", types.ChunkPending, types.ChunkProcessed))

	// Replaying the same transition conflicts; the row is already moved.
	err := s.TransitionChunk(ctx, "c1", types.ChunkPending, types.ChunkProcessed)
	assert.ErrorIs(t, err, storage.ErrConflict)

	err = s.TransitionChunk(ctx, "missing", types.ChunkPending, types.ChunkProcessed)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkProcessed, got.Status)
}

func TestSetChunkErrorBumpsAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putEvent(t, s, "ev1", "alice")
	putChunk(t, s, "c1", "ev1", "alice", types.ChunkPending)

	require.NoError(t, s.SetChunkError(ctx, "c1", "embedding unavailable"))
	require.NoError(t, s.SetChunkError(ctx, "c1", "embedding unavailable"))

	got, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkError, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "embedding unavailable", got.LastError)
}

func TestListChunksByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putEvent(t, s, "ev1", "alice")
	putChunk(t, s, "c1", "ev1", "alice", types.ChunkPendingIndex)
	putChunk(t, s, "c2", "ev1", "alice", types.ChunkPendingIndex)
	putChunk(t, s, "c3", "ev1", "alice", types.ChunkProcessed)

	parked, err := s.ListChunksByStatus(ctx, types.ChunkPendingIndex, 10)
	require.NoError(t, err)
	assert.Len(t, parked, 2)

	one, err := s.ListChunksByStatus(ctx, types.ChunkPendingIndex, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestOrphanedChunkListing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putEvent(t, s, "ev1", "alice")
	putChunk(t, s, "c1", "ev1", "alice", types.ChunkProcessed)
	putChunk(t, s, "c2", "ev1", "alice", types.ChunkPending)

	require.NoError(t, s.SetChunkOrphaned(ctx, "c1", true))
	require.NoError(t, s.SetChunkOrphaned(ctx, "c2", true))

	// Only processed chunks count as orphans.
	orphans, err := s.ListOrphanedChunks(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "c1", orphans[0].ID)

	require.NoError(t, s.SetChunkOrphaned(ctx, "c1", false))
	orphans, err = s.ListOrphanedChunks(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestEpisodeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ep := &types.Episode{
		ID:        "e1",
		UserID:    "alice",
		Title:     "Trip to Rome",
		Summary:   "Planning and booking the trip.",
		Centroid:  []float32{0.1, 0.2, 0.3},
		Tags:      []string{"travel", "italy"},
		Status:    types.EpisodeOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.PutEpisode(ctx, ep))

	got, err := s.GetEpisode(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Trip to Rome", got.Title)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Centroid)
	assert.Equal(t, []string{"travel", "italy"}, got.Tags)

	open, err := s.ListOpenEpisodes(ctx, "alice", time.Time{})
	require.NoError(t, err)
	assert.Len(t, open, 1)

	ep.Status = types.EpisodeClosed
	require.NoError(t, s.PutEpisode(ctx, ep))
	open, err = s.ListOpenEpisodes(ctx, "alice", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := s.ListEpisodes(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLinkChunkIsIdempotentAndCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	putEvent(t, s, "ev1", "alice")
	putChunk(t, s, "c1", "ev1", "alice", types.ChunkProcessed)
	require.NoError(t, s.PutEpisode(ctx, &types.Episode{
		ID: "e1", UserID: "alice", Title: "t",
		Status: types.EpisodeOpen, CreatedAt: now, UpdatedAt: now,
	}))

	linked, err := s.LinkChunk(ctx, "c1", "e1", 0.9)
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = s.LinkChunk(ctx, "c1", "e1", 0.9)
	require.NoError(t, err)
	assert.False(t, linked)

	ep, err := s.GetEpisode(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, ep.ChunkCount)

	members, err := s.ListEpisodeChunks(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "c1", members[0].ID)

	ids, err := s.EpisodesForChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids)
}

func TestCountEpisodesUpdatedSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"e1", "e2"} {
		require.NoError(t, s.PutEpisode(ctx, &types.Episode{
			ID: id, UserID: "alice", Title: "t",
			Status: types.EpisodeOpen, CreatedAt: now, UpdatedAt: now,
		}))
	}

	count, err := s.CountEpisodesUpdatedSince(ctx, "alice", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = s.CountEpisodesUpdatedSince(ctx, "alice", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestThoughtLinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutEpisode(ctx, &types.Episode{
		ID: "e1", UserID: "alice", Title: "t",
		Status: types.EpisodeOpen, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.PutThought(ctx, &types.Thought{
		ID: "th1", UserID: "alice", Name: "Cares about health",
		Description: "Recurs across episodes.", Confidence: 0.8,
		CreatedAt: now, UpdatedAt: now,
	}))

	linked, err := s.LinkEpisode(ctx, "e1", "th1")
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = s.LinkEpisode(ctx, "e1", "th1")
	require.NoError(t, err)
	assert.False(t, linked)

	ids, err := s.EpisodesForThought(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids)

	thoughts, err := s.ListThoughts(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, thoughts, 1)
	assert.Equal(t, "Cares about health", thoughts[0].Name)
}
