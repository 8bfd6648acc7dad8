package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/recollect-ai/recollect/internal/index"
	"github.com/recollect-ai/recollect/internal/llm"
	"github.com/recollect-ai/recollect/pkg/types"
)

type thoughtsPayload struct {
	UserID string `json:"user_id"`
}

// handleThoughts synthesizes cross-episode thoughts for one user. Episode
// groups are found through shared tags; a group already covered by an
// existing thought, or whose synthesized text near-duplicates one, extends
// links instead of creating anew.
func (e *Engine) handleThoughts(ctx context.Context, payload []byte) error {
	var p thoughtsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode thoughts payload: %w", err)
	}

	episodes, err := e.store.ListEpisodes(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("list episodes: %w", err)
	}
	groups := groupBySharedTags(episodes, e.cfg.MinSharedTags)
	if len(groups) == 0 {
		return nil
	}

	covered, err := e.coveredEpisodeSets(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("load thought coverage: %w", err)
	}

	for _, group := range groups {
		if isCovered(group, covered) {
			continue
		}
		if err := e.synthesizeThought(ctx, p.UserID, group); err != nil {
			e.logger.Warn("thought synthesis failed", "user_id", p.UserID, "episodes", len(group), "error", err)
		}
	}
	return nil
}

func (e *Engine) synthesizeThought(ctx context.Context, userID string, group []*types.Episode) error {
	narratives := make([]string, len(group))
	for i, ep := range group {
		if ep.Summary != "" {
			narratives[i] = ep.Title + ": " + ep.Summary
		} else {
			narratives[i] = ep.Title
		}
	}

	reply, err := e.provider.Complete(ctx, llm.ThoughtSynthesisPrompt(narratives))
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	parsed, ok := llm.ParseThoughtSynthesis(reply)
	if !ok {
		e.logger.Warn("unparseable thought synthesis", "user_id", userID, "reply_prefix", truncate(reply, 80))
		return nil
	}

	text := parsed.Name + "\n" + parsed.Description
	vecs, err := e.provider.EmbedBatch(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embed thought: %w", err)
	}
	if len(vecs) == 0 {
		return fmt.Errorf("embed thought: provider returned no vector")
	}
	vec := vecs[0]

	// Fold near-identical thoughts together instead of accumulating
	// rephrasings of the same idea.
	hits, err := e.index.Search(ctx, index.ClassThought, vec, index.Query{
		UserID:    userID,
		Certainty: e.cfg.ThoughtDupThreshold,
		Limit:     1,
	})
	if err != nil {
		e.logger.Warn("thought dup search failed", "user_id", userID, "error", err)
	}
	if len(hits) > 0 {
		for _, ep := range group {
			if _, err := e.store.LinkEpisode(ctx, ep.ID, hits[0].ID); err != nil {
				return fmt.Errorf("extend thought %s: %w", hits[0].ID, err)
			}
		}
		return nil
	}

	now := time.Now()
	th := &types.Thought{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        parsed.Name,
		Description: parsed.Description,
		Confidence:  parsed.Confidence,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.PutThought(ctx, th); err != nil {
		return fmt.Errorf("save thought: %w", err)
	}
	for _, ep := range group {
		if _, err := e.store.LinkEpisode(ctx, ep.ID, th.ID); err != nil {
			return fmt.Errorf("link episode %s: %w", ep.ID, err)
		}
	}
	if err := e.index.Upsert(ctx, index.ClassThought, []index.Item{{
		ID:     th.ID,
		UserID: userID,
		Vector: vec,
	}}); err != nil {
		e.logger.Warn("thought vector upsert failed", "thought_id", th.ID, "error", err)
	}
	e.metrics.ThoughtCreated()
	return nil
}

// coveredEpisodeSets returns, per existing thought, the set of episode IDs
// it already links.
func (e *Engine) coveredEpisodeSets(ctx context.Context, userID string) ([]map[string]bool, error) {
	thoughts, err := e.store.ListThoughts(ctx, userID)
	if err != nil {
		return nil, err
	}
	sets := make([]map[string]bool, 0, len(thoughts))
	for _, th := range thoughts {
		ids, err := e.store.EpisodesForThought(ctx, th.ID)
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func isCovered(group []*types.Episode, covered []map[string]bool) bool {
	for _, set := range covered {
		all := true
		for _, ep := range group {
			if !set[ep.ID] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// groupBySharedTags builds connected components over episodes where an edge
// requires at least minShared shared tags, and keeps components of two or
// more. Groups are ordered deterministically by their first episode ID.
func groupBySharedTags(episodes []*types.Episode, minShared int) [][]*types.Episode {
	if minShared <= 0 {
		minShared = 1
	}
	tagged := make([]*types.Episode, 0, len(episodes))
	for _, ep := range episodes {
		if len(ep.Tags) >= minShared {
			tagged = append(tagged, ep)
		}
	}
	if len(tagged) < 2 {
		return nil
	}

	parent := make([]int, len(tagged))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	for i := 0; i < len(tagged); i++ {
		for j := i + 1; j < len(tagged); j++ {
			if sharedTags(tagged[i].Tags, tagged[j].Tags) >= minShared {
				parent[find(i)] = find(j)
			}
		}
	}

	byRoot := make(map[int][]*types.Episode)
	for i, ep := range tagged {
		root := find(i)
		byRoot[root] = append(byRoot[root], ep)
	}
	var groups [][]*types.Episode
	for _, group := range byRoot {
		if len(group) >= 2 {
			sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
			groups = append(groups, group)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0].ID < groups[j][0].ID })
	return groups
}

func sharedTags(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	n := 0
	for _, t := range b {
		if set[t] {
			n++
			set[t] = false
		}
	}
	return n
}
