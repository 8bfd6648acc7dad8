package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect-ai/recollect/internal/index"
	"github.com/recollect-ai/recollect/internal/llm/llmtest"
	"github.com/recollect-ai/recollect/pkg/types"
)

func consolidate(t *testing.T, rig *testRig, userID string) {
	t.Helper()
	payload, err := json.Marshal(consolidatePayload{UserID: userID})
	require.NoError(t, err)
	require.NoError(t, rig.engine.handleConsolidate(context.Background(), payload))
}

func seedOrphan(t *testing.T, rig *testRig, userID string, vec []float32) *types.Chunk {
	t.Helper()
	c := seedChunk(t, rig, userID, vec)
	require.NoError(t, rig.store.SetChunkOrphaned(context.Background(), c.ID, true))
	return c
}

func TestConsolidationPromotesClusterToEpisode(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	dim := rig.provider.Dimension()

	// Three orphans tightly grouped around axis 0: pairwise similarity is
	// well above the cluster radius.
	c1 := seedOrphan(t, rig, "u1", unitAt(dim, 0.95, 0.312))
	c2 := seedOrphan(t, rig, "u1", llmtest.UnitVector(dim, 0))
	c3 := seedOrphan(t, rig, "u1", unitAt(dim, 0.95, -0.312))

	rig.provider.Replies = []string{`{"title":"Trip to Rome","summary":"A trip across Rome.","tags":["travel","rome"]}`}
	consolidate(t, rig, "u1")

	episodes, err := rig.store.ListEpisodes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, episodes, 1, "exactly one episode for one cluster")
	ep := episodes[0]
	assert.Equal(t, "Trip to Rome", ep.Title)
	assert.Equal(t, []string{"travel", "rome"}, ep.Tags)
	assert.Equal(t, 3, ep.ChunkCount)

	members, err := rig.store.ListEpisodeChunks(ctx, ep.ID)
	require.NoError(t, err)
	assert.Len(t, members, 3)

	orphans, err := rig.store.ListOrphanedChunks(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, orphans, "consumed chunks leave the backlog")

	// The episode centroid lands in the index for retrieval.
	_, ok := rig.index.Get(index.ClassEpisode, ep.ID)
	assert.True(t, ok)

	for _, id := range []string{c1.ID, c2.ID, c3.ID} {
		linked, err := rig.store.EpisodesForChunk(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{ep.ID}, linked)
	}
}

func TestConsolidationMergesIntoExistingEpisode(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	dim := rig.provider.Dimension()

	existing := seedEpisode(t, rig, "u1", "ongoing", llmtest.UnitVector(dim, 0))
	seedOrphan(t, rig, "u1", unitAt(dim, 0.99, 0.141))
	seedOrphan(t, rig, "u1", unitAt(dim, 0.99, -0.141))

	consolidate(t, rig, "u1")

	episodes, err := rig.store.ListEpisodes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, episodes, 1, "cluster merges instead of creating a duplicate")

	members, err := rig.store.ListEpisodeChunks(ctx, existing.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	orphans, err := rig.store.ListOrphanedChunks(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// The merged episode gets a narrative refresh.
	assert.Equal(t, 1, rig.queue.Enqueued(jobSummarize))
}

func TestConsolidationSingleFlight(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	dim := rig.provider.Dimension()

	seedOrphan(t, rig, "u1", llmtest.UnitVector(dim, 0))
	seedOrphan(t, rig, "u1", unitAt(dim, 0.99, 0.141))

	// A run is already in flight for the user; the second trigger coalesces.
	_, ok, err := rig.lessor.TryAcquire(ctx, "consolidate:u1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	consolidate(t, rig, "u1")

	episodes, err := rig.store.ListEpisodes(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, episodes)
}

func TestConsolidationLeavesSparseClustersOrphaned(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	dim := rig.provider.Dimension()

	// Two orthogonal orphans form two singleton clusters, both below the
	// minimum cluster size.
	seedOrphan(t, rig, "u1", llmtest.UnitVector(dim, 0))
	seedOrphan(t, rig, "u1", llmtest.UnitVector(dim, 1))

	consolidate(t, rig, "u1")

	episodes, err := rig.store.ListEpisodes(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, episodes)

	orphans, err := rig.store.ListOrphanedChunks(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, orphans, 2, "sparse clusters stay orphaned for the next run")
}

func TestConsolidationPlaceholderTitleOnParseFailure(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	dim := rig.provider.Dimension()

	seedOrphan(t, rig, "u1", llmtest.UnitVector(dim, 0))
	seedOrphan(t, rig, "u1", unitAt(dim, 0.99, 0.141))

	rig.provider.DefaultReply = "no json here"
	consolidate(t, rig, "u1")

	episodes, err := rig.store.ListEpisodes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.NotEmpty(t, episodes[0].Title, "placeholder title on unparseable narrative")
}
