package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recollect-ai/recollect/internal/index"
	"github.com/recollect-ai/recollect/internal/llm"
	"github.com/recollect-ai/recollect/internal/queue"
	"github.com/recollect-ai/recollect/pkg/types"
)

type consolidatePayload struct {
	UserID string `json:"user_id"`
}

// handleConsolidate clusters a user's orphaned chunks into new or merged
// episodes. Single-flight per user: a run that finds the lease taken is
// coalesced into the one in progress.
func (e *Engine) handleConsolidate(ctx context.Context, payload []byte) error {
	var p consolidatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode consolidate payload: %w", err)
	}

	release, ok, err := e.lessor.TryAcquire(ctx, "consolidate:"+p.UserID, e.cfg.ConsolidationLeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire consolidation lease: %w", err)
	}
	if !ok {
		return nil
	}
	defer release()

	// The backlog counter restarts with the run; orphans that survive it
	// count toward the next trigger as they accumulate again.
	e.orphans.Reset(p.UserID)

	orphans, err := e.store.ListOrphanedChunks(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("list orphans: %w", err)
	}
	if len(orphans) < e.cfg.MinClusterSize {
		e.metrics.ConsolidationRun("skipped")
		return nil
	}

	ids := make([]string, len(orphans))
	byID := make(map[string]*types.Chunk, len(orphans))
	for i, c := range orphans {
		ids[i] = c.ID
		byID[c.ID] = c
	}
	items, err := e.index.Fetch(ctx, index.ClassChunk, ids)
	if err != nil {
		e.metrics.ConsolidationRun("error")
		return fmt.Errorf("fetch orphan vectors: %w", err)
	}
	vectors := make(map[string][]float32, len(items))
	ordered := make([]string, 0, len(items))
	for _, it := range items {
		vectors[it.ID] = it.Vector
		ordered = append(ordered, it.ID)
	}

	clusters := clusterBySimilarity(ordered, vectors, e.clusterRadius())

	episodes, err := e.store.ListOpenEpisodes(ctx, p.UserID, time.Time{})
	if err != nil {
		e.metrics.ConsolidationRun("error")
		return fmt.Errorf("list open episodes: %w", err)
	}

	for _, cluster := range clusters {
		if len(cluster) < e.cfg.MinClusterSize {
			continue
		}
		vecs := make([][]float32, len(cluster))
		for i, id := range cluster {
			vecs[i] = vectors[id]
		}
		mean := Mean(vecs)
		if mean == nil {
			e.logger.Warn("cluster has ragged vectors, skipping", "user_id", p.UserID, "size", len(cluster))
			continue
		}

		var (
			best    *types.Episode
			bestSim float64
		)
		for _, ep := range episodes {
			if sim := Cosine(mean, ep.Centroid); sim > bestSim {
				best, bestSim = ep, sim
			}
		}

		chunks := make([]*types.Chunk, len(cluster))
		for i, id := range cluster {
			chunks[i] = byID[id]
		}

		if best != nil && bestSim >= e.attachThreshold() {
			if err := e.mergeClusterInto(ctx, best.ID, chunks, vectors); err != nil {
				e.logger.Error("cluster merge failed", "user_id", p.UserID, "episode_id", best.ID, "error", err)
				e.metrics.ConsolidationRun("error")
				continue
			}
			e.metrics.ConsolidationRun("merged")
			continue
		}

		ep, err := e.createEpisodeFromCluster(ctx, p.UserID, chunks, vectors, mean)
		if err != nil {
			e.logger.Error("episode creation failed", "user_id", p.UserID, "error", err)
			e.metrics.ConsolidationRun("error")
			continue
		}
		// New episodes join the candidate set so later clusters in the same
		// run can merge into them.
		episodes = append(episodes, ep)
		e.metrics.ConsolidationRun("created")
	}
	return nil
}

// mergeClusterInto links every cluster chunk into an existing episode as one
// batch, recomputing the centroid once.
func (e *Engine) mergeClusterInto(ctx context.Context, episodeID string, chunks []*types.Chunk, vectors map[string][]float32) error {
	unlock := e.episodeLocks.Lock(episodeID)
	defer unlock()

	ep, err := e.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return fmt.Errorf("load episode %s: %w", episodeID, err)
	}
	changed := false
	for _, c := range chunks {
		sim := Cosine(vectors[c.ID], ep.Centroid)
		linked, err := e.store.LinkChunk(ctx, c.ID, episodeID, sim)
		if err != nil {
			return fmt.Errorf("link chunk %s: %w", c.ID, err)
		}
		if !linked {
			continue
		}
		changed = true
		if err := e.store.SetChunkOrphaned(ctx, c.ID, false); err != nil {
			e.logger.Warn("clear orphan flag failed", "chunk_id", c.ID, "error", err)
		}
	}
	if !changed {
		return nil
	}
	if err := e.recomputeCentroid(ctx, episodeID); err != nil {
		return err
	}
	if err := e.queue.Enqueue(ctx, jobSummarize, summarizePayload{EpisodeID: episodeID},
		queue.Options{MaxAttempts: e.cfg.MaxAttempts}); err != nil {
		e.logger.Warn("summarize enqueue failed", "episode_id", episodeID, "error", err)
	}
	return nil
}

// createEpisodeFromCluster promotes a cluster into a fresh episode with a
// synthesized narrative. An unparseable narrative yields a placeholder title
// rather than a failed run.
func (e *Engine) createEpisodeFromCluster(ctx context.Context, userID string, chunks []*types.Chunk, vectors map[string][]float32, centroid []float32) (*types.Episode, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	title := fmt.Sprintf("Episode of %s", time.Now().Format("2006-01-02"))
	summary := ""
	var tags []string
	reply, err := e.provider.Complete(ctx, llm.EpisodeSynthesisPrompt(texts))
	if err != nil {
		e.logger.Warn("episode narrative synthesis failed, using placeholder",
			"user_id", userID, "error", err)
	} else if parsed, ok := llm.ParseEpisodeSynthesis(reply); ok {
		if parsed.Title != "" {
			title = parsed.Title
		}
		summary = parsed.Summary
		tags = parsed.Tags
	} else {
		e.logger.Warn("unparseable episode narrative, using placeholder",
			"user_id", userID, "reply_prefix", truncate(reply, 80))
	}

	now := time.Now()
	ep := &types.Episode{
		ID:         uuid.NewString(),
		UserID:     userID,
		Title:      title,
		Summary:    summary,
		Centroid:   centroid,
		Tags:       tags,
		Status:     types.EpisodeOpen,
		ChunkCount: 0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.PutEpisode(ctx, ep); err != nil {
		return nil, fmt.Errorf("save episode: %w", err)
	}

	for _, c := range chunks {
		linked, err := e.store.LinkChunk(ctx, c.ID, ep.ID, Cosine(vectors[c.ID], centroid))
		if err != nil {
			return nil, fmt.Errorf("link chunk %s: %w", c.ID, err)
		}
		if linked {
			if err := e.store.SetChunkOrphaned(ctx, c.ID, false); err != nil {
				e.logger.Warn("clear orphan flag failed", "chunk_id", c.ID, "error", err)
			}
		}
	}
	ep.ChunkCount = len(chunks)
	if err := e.store.PutEpisode(ctx, ep); err != nil {
		return nil, fmt.Errorf("update episode count: %w", err)
	}

	if err := e.index.Upsert(ctx, index.ClassEpisode, []index.Item{{
		ID:     ep.ID,
		UserID: userID,
		Vector: centroid,
	}}); err != nil {
		e.logger.Warn("episode vector upsert failed", "episode_id", ep.ID, "error", err)
	}
	e.maybeTriggerThoughts(ctx, userID)
	return ep, nil
}

// clusterBySimilarity groups vectors into connected components where every
// edge has cosine similarity at or above radius. Single-linkage by design:
// chains of pairwise-similar fragments belong together.
func clusterBySimilarity(ids []string, vectors map[string][]float32, radius float64) [][]string {
	parent := make(map[string]string, len(ids))
	for _, id := range ids {
		parent[id] = id
	}
	var find func(string) string
	find = func(id string) string {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if Cosine(vectors[ids[i]], vectors[ids[j]]) >= radius {
				union(ids[i], ids[j])
			}
		}
	}

	groups := make(map[string][]string)
	for _, id := range ids {
		root := find(id)
		groups[root] = append(groups[root], id)
	}
	clusters := make([][]string, 0, len(groups))
	for _, members := range groups {
		clusters = append(clusters, members)
	}
	return clusters
}
