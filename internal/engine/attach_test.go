package engine

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect-ai/recollect/internal/index"
	"github.com/recollect-ai/recollect/internal/llm/llmtest"
	"github.com/recollect-ai/recollect/pkg/types"
)

// unitAt builds a unit vector with the given components at positions 0 and 1.
func unitAt(dim int, a, b float64) []float32 {
	vec := make([]float32, dim)
	vec[0] = float32(a)
	vec[1] = float32(b)
	return vec
}

// seedChunk persists a processed chunk and its vector.
func seedChunk(t *testing.T, rig *testRig, userID string, vec []float32) *types.Chunk {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	c := &types.Chunk{
		ID:        uuid.NewString(),
		EventID:   uuid.NewString(),
		UserID:    userID,
		Content:   "chunk " + uuid.NewString(),
		Status:    types.ChunkProcessed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, rig.store.PutChunks(ctx, []*types.Chunk{c}))
	require.NoError(t, rig.index.Upsert(ctx, index.ClassChunk, []index.Item{{
		ID: c.ID, UserID: userID, Vector: vec,
	}}))
	return c
}

// seedEpisode persists an open episode with a centroid and its index entry.
func seedEpisode(t *testing.T, rig *testRig, userID, title string, centroid []float32, tags ...string) *types.Episode {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	ep := &types.Episode{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Centroid:  centroid,
		Tags:      tags,
		Status:    types.EpisodeOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, rig.store.PutEpisode(ctx, ep))
	require.NoError(t, rig.index.Upsert(ctx, index.ClassEpisode, []index.Item{{
		ID: ep.ID, UserID: userID, Vector: centroid,
	}}))
	return ep
}

func attach(t *testing.T, rig *testRig, chunkID string) {
	t.Helper()
	payload, err := json.Marshal(attachPayload{ChunkID: chunkID})
	require.NoError(t, err)
	require.NoError(t, rig.engine.handleAttach(context.Background(), payload))
}

func TestAttachmentMonotonicity(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	dim := rig.provider.Dimension()

	// The chunk vector points along axis 0. E1's centroid has cosine 0.90
	// with it, E2's only 0.60.
	chunkVec := llmtest.UnitVector(dim, 0)
	e1 := seedEpisode(t, rig, "u1", "close", unitAt(dim, 0.90, math.Sqrt(1-0.90*0.90)))
	e2 := seedEpisode(t, rig, "u1", "far", unitAt(dim, 0.60, 0.80))

	c := seedChunk(t, rig, "u1", chunkVec)
	attach(t, rig, c.ID)

	linked, err := rig.store.EpisodesForChunk(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, []string{e1.ID}, linked)

	// E1's centroid becomes the mean of its single member vector.
	got, err := rig.store.GetEpisode(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ChunkCount)
	assert.InDelta(t, 1.0, Cosine(got.Centroid, chunkVec), 1e-6)

	// E2 is untouched.
	gotE2, err := rig.store.GetEpisode(ctx, e2.ID)
	require.NoError(t, err)
	assert.Zero(t, gotE2.ChunkCount)

	assert.Equal(t, 1, rig.queue.Enqueued(jobSummarize))
}

func TestAttachmentAtExactThreshold(t *testing.T) {
	dim := 8
	chunkVec := llmtest.UnitVector(dim, 0)
	centroid := unitAt(dim, 0.85, math.Sqrt(1-0.85*0.85))
	sim := Cosine(chunkVec, centroid)

	// Pin the threshold to the exact computed similarity: the comparison is
	// inclusive, so the chunk attaches.
	rig := newTestRig(t, func(cfg *Config) { cfg.AttachThreshold = sim })
	ctx := context.Background()

	ep := seedEpisode(t, rig, "u1", "edge", centroid)
	c := seedChunk(t, rig, "u1", chunkVec)
	attach(t, rig, c.ID)

	linked, err := rig.store.EpisodesForChunk(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{ep.ID}, linked)
}

func TestAttachmentBelowThresholdOrphans(t *testing.T) {
	dim := 8
	chunkVec := llmtest.UnitVector(dim, 0)
	centroid := unitAt(dim, 0.85, math.Sqrt(1-0.85*0.85))
	sim := Cosine(chunkVec, centroid)

	// Threshold just above the actual similarity: the chunk is orphaned.
	rig := newTestRig(t, func(cfg *Config) { cfg.AttachThreshold = sim + 1e-6 })
	ctx := context.Background()

	seedEpisode(t, rig, "u1", "edge", centroid)
	c := seedChunk(t, rig, "u1", chunkVec)
	attach(t, rig, c.ID)

	linked, err := rig.store.EpisodesForChunk(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, linked)

	orphans, err := rig.store.ListOrphanedChunks(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, c.ID, orphans[0].ID)
}

func TestAttachmentToAllEpisodesAboveThreshold(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	dim := rig.provider.Dimension()

	chunkVec := llmtest.UnitVector(dim, 0)
	e1 := seedEpisode(t, rig, "u1", "first", unitAt(dim, 0.95, math.Sqrt(1-0.95*0.95)))
	e2 := seedEpisode(t, rig, "u1", "second", unitAt(dim, 0.90, math.Sqrt(1-0.90*0.90)))

	c := seedChunk(t, rig, "u1", chunkVec)
	attach(t, rig, c.ID)

	linked, err := rig.store.EpisodesForChunk(ctx, c.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{e1.ID, e2.ID}, linked)
}

func TestAttachmentReplayIsNoop(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	dim := rig.provider.Dimension()

	chunkVec := llmtest.UnitVector(dim, 0)
	ep := seedEpisode(t, rig, "u1", "only", chunkVec)
	c := seedChunk(t, rig, "u1", chunkVec)

	attach(t, rig, c.ID)
	attach(t, rig, c.ID)

	got, err := rig.store.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ChunkCount)
	assert.Equal(t, 1, rig.queue.Enqueued(jobSummarize))
}

func TestOrphanBurstTriggersConsolidation(t *testing.T) {
	rig := newTestRig(t, nil)
	dim := rig.provider.Dimension()

	// Three orphans inside the burst window trip the consolidation trigger.
	for i := 0; i < 3; i++ {
		c := seedChunk(t, rig, "u1", llmtest.UnitVector(dim, i))
		attach(t, rig, c.ID)
	}
	assert.Equal(t, 1, rig.queue.Enqueued(jobConsolidate))
}

func TestAttachmentIgnoresOtherUsersEpisodes(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	dim := rig.provider.Dimension()

	chunkVec := llmtest.UnitVector(dim, 0)
	seedEpisode(t, rig, "someone-else", "not yours", chunkVec)

	c := seedChunk(t, rig, "u1", chunkVec)
	attach(t, rig, c.ID)

	linked, err := rig.store.EpisodesForChunk(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, linked)
}
