package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/recollect-ai/recollect/internal/llm"
	"github.com/recollect-ai/recollect/internal/storage"
)

// handleSummarize refreshes an episode's narrative from its current member
// chunks. Runs asynchronously after every attachment; replays are harmless
// because the result only depends on current membership.
func (e *Engine) handleSummarize(ctx context.Context, payload []byte) error {
	var p summarizePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode summarize payload: %w", err)
	}

	ep, err := e.store.GetEpisode(ctx, p.EpisodeID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("summarize job for missing episode", "episode_id", p.EpisodeID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load episode %s: %w", p.EpisodeID, err)
	}

	members, err := e.store.ListEpisodeChunks(ctx, ep.ID)
	if err != nil {
		return fmt.Errorf("list episode chunks: %w", err)
	}
	if len(members) == 0 {
		return nil
	}
	texts := make([]string, len(members))
	for i, c := range members {
		texts[i] = c.Content
	}

	var prompt string
	if ep.Title == "" {
		prompt = llm.EpisodeSynthesisPrompt(texts)
	} else {
		prompt = llm.EpisodeResummarizePrompt(ep.Title, ep.Summary, texts)
	}
	reply, err := e.provider.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("summarize episode %s: %w", ep.ID, err)
	}
	parsed, ok := llm.ParseEpisodeSynthesis(reply)
	if !ok {
		e.logger.Warn("unparseable episode summary, keeping previous narrative",
			"episode_id", ep.ID, "reply_prefix", truncate(reply, 80))
		return nil
	}

	unlock := e.episodeLocks.Lock(ep.ID)
	defer unlock()

	// Reload under the lock; an attachment may have landed meanwhile.
	ep, err = e.store.GetEpisode(ctx, ep.ID)
	if err != nil {
		return fmt.Errorf("reload episode %s: %w", p.EpisodeID, err)
	}
	if parsed.Title != "" {
		ep.Title = parsed.Title
	}
	if parsed.Summary != "" {
		ep.Summary = parsed.Summary
	}
	if len(parsed.Tags) > 0 {
		ep.Tags = parsed.Tags
	}
	ep.UpdatedAt = time.Now()
	if err := e.store.PutEpisode(ctx, ep); err != nil {
		return fmt.Errorf("save episode %s: %w", ep.ID, err)
	}
	return nil
}
