// Package memstore is an in-memory implementation of the storage interfaces.
// It backs development runs and tests; behavior matches the SQL stores,
// including atomic status transitions and copy-on-read semantics so callers
// cannot mutate stored state through returned pointers.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/recollect-ai/recollect/internal/storage"
	"github.com/recollect-ai/recollect/pkg/types"
)

// Store implements storage.Store in process.
type Store struct {
	mu sync.RWMutex

	events   map[string]*types.RawEvent
	chunks   map[string]*types.Chunk
	episodes map[string]*types.Episode
	thoughts map[string]*types.Thought

	chunkEpisodes  map[string]map[string]*types.ChunkEpisodeLink   // chunkID -> episodeID -> link
	episodeThought map[string]map[string]*types.EpisodeThoughtLink // thoughtID -> episodeID -> link
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		events:         make(map[string]*types.RawEvent),
		chunks:         make(map[string]*types.Chunk),
		episodes:       make(map[string]*types.Episode),
		thoughts:       make(map[string]*types.Thought),
		chunkEpisodes:  make(map[string]map[string]*types.ChunkEpisodeLink),
		episodeThought: make(map[string]map[string]*types.EpisodeThoughtLink),
	}
}

// PutEvent stores a write-once raw event.
func (s *Store) PutEvent(_ context.Context, ev *types.RawEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("%w: event ID is required", storage.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[ev.ID]; exists {
		return fmt.Errorf("%w: event %s already exists", storage.ErrConflict, ev.ID)
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

// GetEvent retrieves a raw event.
func (s *Store) GetEvent(_ context.Context, id string) (*types.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", storage.ErrNotFound, id)
	}
	cp := *ev
	return &cp, nil
}

// PutChunks stores a batch of chunks.
func (s *Store) PutChunks(_ context.Context, chunks []*types.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if c == nil || c.ID == "" {
			return fmt.Errorf("%w: chunk ID is required", storage.ErrInvalidInput)
		}
		cp := *c
		s.chunks[c.ID] = &cp
	}
	return nil
}

// GetChunk retrieves a chunk.
func (s *Store) GetChunk(_ context.Context, id string) (*types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s", storage.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

// TransitionChunk atomically moves a chunk between statuses.
func (s *Store) TransitionChunk(_ context.Context, id string, from, to types.ChunkStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return fmt.Errorf("%w: chunk %s", storage.ErrNotFound, id)
	}
	if c.Status != from {
		return fmt.Errorf("%w: chunk %s is %s, expected %s", storage.ErrConflict, id, c.Status, from)
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return nil
}

// SetChunkError marks a chunk failed and bumps its attempt count.
func (s *Store) SetChunkError(_ context.Context, id string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return fmt.Errorf("%w: chunk %s", storage.ErrNotFound, id)
	}
	c.Status = types.ChunkError
	c.LastError = msg
	c.Attempts++
	c.UpdatedAt = time.Now()
	return nil
}

// SetChunkOrphaned flips the orphan flag.
func (s *Store) SetChunkOrphaned(_ context.Context, id string, orphaned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return fmt.Errorf("%w: chunk %s", storage.ErrNotFound, id)
	}
	c.Orphaned = orphaned
	c.UpdatedAt = time.Now()
	return nil
}

// ListChunksByStatus returns chunks in a status, oldest first.
func (s *Store) ListChunksByStatus(_ context.Context, status types.ChunkStatus, limit int) ([]*types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Chunk
	for _, c := range s.chunks {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortChunksByCreation(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListOrphanedChunks returns a user's processed, orphaned chunks, oldest first.
func (s *Store) ListOrphanedChunks(_ context.Context, userID string) ([]*types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Chunk
	for _, c := range s.chunks {
		if c.UserID == userID && c.Orphaned && c.Status == types.ChunkProcessed {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortChunksByCreation(out)
	return out, nil
}

// PutEpisode creates or replaces an episode.
func (s *Store) PutEpisode(_ context.Context, ep *types.Episode) error {
	if ep == nil || ep.ID == "" {
		return fmt.Errorf("%w: episode ID is required", storage.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ep
	cp.Centroid = append([]float32(nil), ep.Centroid...)
	cp.Tags = append([]string(nil), ep.Tags...)
	s.episodes[ep.ID] = &cp
	return nil
}

// GetEpisode retrieves an episode.
func (s *Store) GetEpisode(_ context.Context, id string) (*types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: episode %s", storage.ErrNotFound, id)
	}
	return copyEpisode(ep), nil
}

// ListOpenEpisodes returns open episodes for a user updated at or after since.
func (s *Store) ListOpenEpisodes(_ context.Context, userID string, since time.Time) ([]*types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Episode
	for _, ep := range s.episodes {
		if ep.UserID != userID || ep.Status != types.EpisodeOpen {
			continue
		}
		if !since.IsZero() && ep.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, copyEpisode(ep))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ListEpisodes returns all episodes for a user, newest first.
func (s *Store) ListEpisodes(_ context.Context, userID string) ([]*types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Episode
	for _, ep := range s.episodes {
		if ep.UserID == userID {
			out = append(out, copyEpisode(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CountEpisodesUpdatedSince counts a user's recently updated episodes.
func (s *Store) CountEpisodesUpdatedSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, ep := range s.episodes {
		if ep.UserID == userID && ep.UpdatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// LinkChunk links a chunk to an episode; returns false when already linked.
func (s *Store) LinkChunk(_ context.Context, chunkID, episodeID string, similarity float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[chunkID]; !ok {
		return false, fmt.Errorf("%w: chunk %s", storage.ErrNotFound, chunkID)
	}
	ep, ok := s.episodes[episodeID]
	if !ok {
		return false, fmt.Errorf("%w: episode %s", storage.ErrNotFound, episodeID)
	}
	links := s.chunkEpisodes[chunkID]
	if links == nil {
		links = make(map[string]*types.ChunkEpisodeLink)
		s.chunkEpisodes[chunkID] = links
	}
	if _, exists := links[episodeID]; exists {
		return false, nil
	}
	links[episodeID] = &types.ChunkEpisodeLink{
		ChunkID:    chunkID,
		EpisodeID:  episodeID,
		Similarity: similarity,
		CreatedAt:  time.Now(),
	}
	ep.ChunkCount++
	return true, nil
}

// ListEpisodeChunks returns an episode's member chunks.
func (s *Store) ListEpisodeChunks(_ context.Context, episodeID string) ([]*types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Chunk
	for chunkID, links := range s.chunkEpisodes {
		if _, ok := links[episodeID]; !ok {
			continue
		}
		if c, ok := s.chunks[chunkID]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortChunksByCreation(out)
	return out, nil
}

// EpisodesForChunk returns IDs of episodes containing a chunk.
func (s *Store) EpisodesForChunk(_ context.Context, chunkID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for episodeID := range s.chunkEpisodes[chunkID] {
		out = append(out, episodeID)
	}
	sort.Strings(out)
	return out, nil
}

// PutThought creates or replaces a thought.
func (s *Store) PutThought(_ context.Context, th *types.Thought) error {
	if th == nil || th.ID == "" {
		return fmt.Errorf("%w: thought ID is required", storage.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *th
	s.thoughts[th.ID] = &cp
	return nil
}

// GetThought retrieves a thought.
func (s *Store) GetThought(_ context.Context, id string) (*types.Thought, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.thoughts[id]
	if !ok {
		return nil, fmt.Errorf("%w: thought %s", storage.ErrNotFound, id)
	}
	cp := *th
	return &cp, nil
}

// ListThoughts returns all thoughts for a user, newest first.
func (s *Store) ListThoughts(_ context.Context, userID string) ([]*types.Thought, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Thought
	for _, th := range s.thoughts {
		if th.UserID == userID {
			cp := *th
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// LinkEpisode links an episode to a thought; returns false when already linked.
func (s *Store) LinkEpisode(_ context.Context, episodeID, thoughtID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.episodes[episodeID]; !ok {
		return false, fmt.Errorf("%w: episode %s", storage.ErrNotFound, episodeID)
	}
	if _, ok := s.thoughts[thoughtID]; !ok {
		return false, fmt.Errorf("%w: thought %s", storage.ErrNotFound, thoughtID)
	}
	links := s.episodeThought[thoughtID]
	if links == nil {
		links = make(map[string]*types.EpisodeThoughtLink)
		s.episodeThought[thoughtID] = links
	}
	if _, exists := links[episodeID]; exists {
		return false, nil
	}
	links[episodeID] = &types.EpisodeThoughtLink{
		EpisodeID: episodeID,
		ThoughtID: thoughtID,
		CreatedAt: time.Now(),
	}
	return true, nil
}

// EpisodesForThought returns IDs of episodes a thought covers.
func (s *Store) EpisodesForThought(_ context.Context, thoughtID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for episodeID := range s.episodeThought[thoughtID] {
		out = append(out, episodeID)
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

func copyEpisode(ep *types.Episode) *types.Episode {
	cp := *ep
	cp.Centroid = append([]float32(nil), ep.Centroid...)
	cp.Tags = append([]string(nil), ep.Tags...)
	return &cp
}

func sortChunksByCreation(chunks []*types.Chunk) {
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].CreatedAt.Equal(chunks[j].CreatedAt) {
			return chunks[i].ID < chunks[j].ID
		}
		return chunks[i].CreatedAt.Before(chunks[j].CreatedAt)
	})
}
