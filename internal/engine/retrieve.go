package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/recollect-ai/recollect/internal/index"
)

// Memory tiers as they appear in retrieval results.
const (
	TierEpisode = "episode"
	TierChunk   = "chunk"
	TierThought = "thought"
)

// RetrieveRequest is one retrieval query.
type RetrieveRequest struct {
	UserID string
	Query  string

	// Optional overrides; zero values take the engine defaults.
	Limit         int
	Certainty     float64
	MinImportance float64
}

// RetrievedItem is one ranked memory item.
type RetrievedItem struct {
	Tier    string
	ID      string
	Score   float64
	Title   string
	Content string
}

// Retrieve runs the three-stage tiered search: episode centroids, then
// chunks, then thoughts, each bounded by the stage timeout and filtered by
// user. A failed stage is skipped and logged; partial results are returned.
// Only a failure to embed the query yields the explicit empty outcome.
func (e *Engine) Retrieve(ctx context.Context, req RetrieveRequest) ([]RetrievedItem, error) {
	if req.UserID == "" || req.Query == "" {
		return nil, fmt.Errorf("user ID and query are required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.RetrievalLimit
	}
	certainty := req.Certainty
	if certainty <= 0 {
		certainty = e.retrievalCertainty()
	}

	vecs, err := e.provider.EmbedBatch(ctx, []string{req.Query})
	if err != nil || len(vecs) == 0 {
		e.logger.Warn("query embedding failed, returning empty result",
			"user_id", req.UserID, "error", err)
		return []RetrievedItem{}, nil
	}
	vec := vecs[0]

	episodeHits := e.searchStage(ctx, TierEpisode, index.ClassEpisode, vec, index.Query{
		UserID:    req.UserID,
		Certainty: certainty,
		Limit:     limit,
	})
	chunkHits := e.searchStage(ctx, TierChunk, index.ClassChunk, vec, index.Query{
		UserID:        req.UserID,
		Certainty:     certainty,
		MinImportance: req.MinImportance,
		Limit:         limit,
	})
	thoughtHits := e.searchStage(ctx, TierThought, index.ClassThought, vec, index.Query{
		UserID:    req.UserID,
		Certainty: certainty,
		Limit:     limit,
	})

	surfaced := make(map[string]bool, len(episodeHits))
	for _, h := range episodeHits {
		surfaced[h.ID] = true
	}

	items := make([]RetrievedItem, 0, len(episodeHits)+len(chunkHits)+len(thoughtHits))
	for _, h := range episodeHits {
		items = append(items, RetrievedItem{Tier: TierEpisode, ID: h.ID, Score: h.Score})
	}
	for _, h := range chunkHits {
		if e.chunkEclipsed(ctx, h.ID, surfaced) {
			continue
		}
		items = append(items, RetrievedItem{Tier: TierChunk, ID: h.ID, Score: h.Score})
	}
	for _, h := range thoughtHits {
		items = append(items, RetrievedItem{Tier: TierThought, ID: h.ID, Score: h.Score})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ID < items[j].ID
	})
	if len(items) > limit {
		items = items[:limit]
	}

	e.hydrate(ctx, items)
	return items, nil
}

// searchStage runs one tier's vector search under the stage timeout. Errors
// degrade to an empty stage.
func (e *Engine) searchStage(ctx context.Context, tier, class string, vec []float32, q index.Query) []index.Hit {
	stageCtx := ctx
	if e.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, e.cfg.StageTimeout)
		defer cancel()
	}
	start := time.Now()
	hits, err := e.index.Search(stageCtx, class, vec, q)
	e.metrics.RetrievalStage(tier, time.Since(start))
	if err != nil {
		e.metrics.RetrievalError(tier)
		e.logger.Warn("retrieval stage failed", "tier", tier, "error", err)
		return nil
	}
	return hits
}

// chunkEclipsed reports whether a chunk hit resolves to an episode that
// already surfaced at the episode tier.
func (e *Engine) chunkEclipsed(ctx context.Context, chunkID string, surfaced map[string]bool) bool {
	if len(surfaced) == 0 {
		return false
	}
	episodeIDs, err := e.store.EpisodesForChunk(ctx, chunkID)
	if err != nil {
		e.logger.Warn("chunk dedup lookup failed", "chunk_id", chunkID, "error", err)
		return false
	}
	for _, id := range episodeIDs {
		if surfaced[id] {
			return true
		}
	}
	return false
}

// hydrate fills titles and content from the relational store. A failed
// lookup leaves the item with its ID and score only.
func (e *Engine) hydrate(ctx context.Context, items []RetrievedItem) {
	for i := range items {
		switch items[i].Tier {
		case TierEpisode:
			ep, err := e.store.GetEpisode(ctx, items[i].ID)
			if err != nil {
				e.logger.Warn("hydrate episode failed", "episode_id", items[i].ID, "error", err)
				continue
			}
			items[i].Title = ep.Title
			items[i].Content = ep.Summary
		case TierChunk:
			c, err := e.store.GetChunk(ctx, items[i].ID)
			if err != nil {
				e.logger.Warn("hydrate chunk failed", "chunk_id", items[i].ID, "error", err)
				continue
			}
			items[i].Content = c.Content
		case TierThought:
			th, err := e.store.GetThought(ctx, items[i].ID)
			if err != nil {
				e.logger.Warn("hydrate thought failed", "thought_id", items[i].ID, "error", err)
				continue
			}
			items[i].Title = th.Name
			items[i].Content = th.Description
		}
	}
}
