package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/recollect-ai/recollect/internal/index"
	"github.com/recollect-ai/recollect/internal/queue"
	"github.com/recollect-ai/recollect/internal/storage"
	"github.com/recollect-ai/recollect/pkg/types"
)

type summarizePayload struct {
	EpisodeID string `json:"episode_id"`
}

// handleAttach links one processed chunk to every open episode whose centroid
// is within the attachment threshold, or marks it orphaned. Safe to replay:
// an already-linked chunk is a no-op.
func (e *Engine) handleAttach(ctx context.Context, payload []byte) error {
	var p attachPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode attach payload: %w", err)
	}

	chunk, err := e.store.GetChunk(ctx, p.ChunkID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("attach job for missing chunk", "chunk_id", p.ChunkID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load chunk %s: %w", p.ChunkID, err)
	}
	if chunk.Status != types.ChunkProcessed {
		// Either parked by the ingestor or already handled; nothing to do.
		return nil
	}
	if linked, err := e.store.EpisodesForChunk(ctx, chunk.ID); err != nil {
		return fmt.Errorf("check existing links: %w", err)
	} else if len(linked) > 0 {
		return nil
	}

	vec, err := e.chunkVector(ctx, chunk.ID)
	if err != nil {
		return err
	}

	since := time.Time{}
	if e.cfg.RecencyWindow > 0 {
		since = time.Now().Add(-e.cfg.RecencyWindow)
	}
	episodes, err := e.store.ListOpenEpisodes(ctx, chunk.UserID, since)
	if err != nil {
		return fmt.Errorf("list open episodes: %w", err)
	}

	var matches []*types.Episode
	for _, ep := range episodes {
		if Cosine(vec, ep.Centroid) >= e.attachThreshold() {
			matches = append(matches, ep)
		}
	}

	if len(matches) == 0 {
		return e.orphanChunk(ctx, chunk)
	}

	for _, ep := range matches {
		sim := Cosine(vec, ep.Centroid)
		if err := e.attachToEpisode(ctx, chunk, ep.ID, sim); err != nil {
			return err
		}
	}
	e.metrics.Attachment("attached")
	return nil
}

// attachToEpisode links the chunk, recomputes the centroid under the
// episode's lock, and schedules a narrative refresh.
func (e *Engine) attachToEpisode(ctx context.Context, chunk *types.Chunk, episodeID string, similarity float64) error {
	unlock := e.episodeLocks.Lock(episodeID)
	defer unlock()

	linked, err := e.store.LinkChunk(ctx, chunk.ID, episodeID, similarity)
	if err != nil {
		return fmt.Errorf("link chunk %s to episode %s: %w", chunk.ID, episodeID, err)
	}
	if !linked {
		return nil
	}
	if chunk.Orphaned {
		if err := e.store.SetChunkOrphaned(ctx, chunk.ID, false); err != nil {
			e.logger.Warn("clear orphan flag failed", "chunk_id", chunk.ID, "error", err)
		}
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

// recomputeCentroid sets the episode centroid to the mean of its member
// chunk vectors and refreshes the episode's own index entry. Callers must
// hold the episode lock.
func (e *Engine) recomputeCentroid(ctx context.Context, episodeID string) error {
	ep, err := e.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return fmt.Errorf("load episode %s: %w", episodeID, err)
	}
	members, err := e.store.ListEpisodeChunks(ctx, episodeID)
	if err != nil {
		return fmt.Errorf("list episode chunks: %w", err)
	}
	if len(members) == 0 {
		return nil
	}

	ids := make([]string, len(members))
	for i, c := range members {
		ids[i] = c.ID
	}
	items, err := e.index.Fetch(ctx, index.ClassChunk, ids)
	if err != nil {
		return fmt.Errorf("fetch member vectors: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	vecs := make([][]float32, len(items))
	for i, it := range items {
		vecs[i] = it.Vector
	}
	centroid := Mean(vecs)
	if centroid == nil {
		return fmt.Errorf("episode %s has ragged member vectors", episodeID)
	}

	ep.Centroid = centroid
	ep.ChunkCount = len(members)
	ep.UpdatedAt = time.Now()
	if err := e.store.PutEpisode(ctx, ep); err != nil {
		return fmt.Errorf("save episode %s: %w", episodeID, err)
	}

	if err := e.index.Upsert(ctx, index.ClassEpisode, []index.Item{{
		ID:     ep.ID,
		UserID: ep.UserID,
		Vector: centroid,
	}}); err != nil {
		// The relational row is authoritative; the reconciler's next sweep
		// will not fix this, but the next attachment will re-upsert.
		e.logger.Warn("episode vector upsert failed", "episode_id", ep.ID, "error", err)
	}
	e.maybeTriggerThoughts(ctx, ep.UserID)
	return nil
}

// orphanChunk marks the chunk orphaned and triggers consolidation when the
// user's backlog warrants it.
func (e *Engine) orphanChunk(ctx context.Context, chunk *types.Chunk) error {
	if err := e.store.SetChunkOrphaned(ctx, chunk.ID, true); err != nil {
		return fmt.Errorf("mark chunk %s orphaned: %w", chunk.ID, err)
	}
	e.metrics.Attachment("orphaned")
	e.metrics.OrphanMarked()

	if e.orphans.Record(chunk.UserID) {
		if err := e.queue.Enqueue(ctx, jobConsolidate, consolidatePayload{UserID: chunk.UserID},
			queue.Options{MaxAttempts: 1}); err != nil {
			e.logger.Warn("consolidation enqueue failed", "user_id", chunk.UserID, "error", err)
		}
	}
	return nil
}

// chunkVector loads a chunk's embedding from the index, re-embedding the
// content if the vector went missing.
func (e *Engine) chunkVector(ctx context.Context, chunkID string) ([]float32, error) {
	items, err := e.index.Fetch(ctx, index.ClassChunk, []string{chunkID})
	if err != nil {
		return nil, fmt.Errorf("fetch chunk vector: %w", err)
	}
	if len(items) > 0 {
		return items[0].Vector, nil
	}

	chunk, err := e.store.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, fmt.Errorf("load chunk %s: %w", chunkID, err)
	}
	vecs, err := e.provider.EmbedBatch(ctx, []string{chunk.Content})
	if err != nil {
		return nil, fmt.Errorf("re-embed chunk %s: %w", chunkID, err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("re-embed chunk %s: provider returned no vector", chunkID)
	}
	if err := e.index.Upsert(ctx, index.ClassChunk, []index.Item{{
		ID:         chunk.ID,
		UserID:     chunk.UserID,
		Importance: chunk.Importance,
		Vector:     vecs[0],
	}}); err != nil {
		return nil, fmt.Errorf("store re-embedded vector: %w", err)
	}
	return vecs[0], nil
}
