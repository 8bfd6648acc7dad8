// Package storage provides composable storage interfaces for the Recollect
// memory system.
//
// The relational layer is split into small, per-aggregate interfaces that can
// be implemented independently and composed as needed. Three backends exist:
// postgres (production), sqlite (single-node deployments), and memstore
// (development and tests).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/recollect-ai/recollect/pkg/types"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates that an atomic status transition failed because
	// the record was not in the expected state.
	ErrConflict = errors.New("state conflict")
)

// EventStore persists immutable raw events.
type EventStore interface {
	// PutEvent stores a raw event. Events are write-once; storing an event
	// with an existing ID returns ErrConflict.
	PutEvent(ctx context.Context, ev *types.RawEvent) error

	// GetEvent retrieves a raw event by ID.
	GetEvent(ctx context.Context, id string) (*types.RawEvent, error)
}

// ChunkStore persists chunks and their pipeline state.
type ChunkStore interface {
	// PutChunks stores a batch of chunks in one round trip.
	PutChunks(ctx context.Context, chunks []*types.Chunk) error

	// GetChunk retrieves a chunk by ID.
	GetChunk(ctx context.Context, id string) (*types.Chunk, error)

	// TransitionChunk atomically moves a chunk from one status to another.
	// Returns ErrConflict if the chunk is not currently in the from status,
	// which makes at-least-once job delivery safe to replay.
	TransitionChunk(ctx context.Context, id string, from, to types.ChunkStatus) error

	// SetChunkError marks a chunk as failed, recording the error message and
	// incrementing its attempt counter.
	SetChunkError(ctx context.Context, id string, msg string) error

	// SetChunkOrphaned flips the orphan flag of a processed chunk.
	SetChunkOrphaned(ctx context.Context, id string, orphaned bool) error

	// ListChunksByStatus returns up to limit chunks in the given status,
	// oldest first. Used by reconciliation sweeps.
	ListChunksByStatus(ctx context.Context, status types.ChunkStatus, limit int) ([]*types.Chunk, error)

	// ListOrphanedChunks returns all processed, orphaned chunks for a user,
	// oldest first.
	ListOrphanedChunks(ctx context.Context, userID string) ([]*types.Chunk, error)
}

// EpisodeStore persists episodes and chunk-episode links.
type EpisodeStore interface {
	// PutEpisode creates or replaces an episode.
	PutEpisode(ctx context.Context, ep *types.Episode) error

	// GetEpisode retrieves an episode by ID.
	GetEpisode(ctx context.Context, id string) (*types.Episode, error)

	// ListOpenEpisodes returns a user's open episodes updated at or after
	// the since time. A zero since returns all open episodes.
	ListOpenEpisodes(ctx context.Context, userID string, since time.Time) ([]*types.Episode, error)

	// ListEpisodes returns all episodes for a user, newest first.
	ListEpisodes(ctx context.Context, userID string) ([]*types.Episode, error)

	// CountEpisodesUpdatedSince counts a user's episodes updated after the
	// given time. Drives the thought-synthesis burst trigger.
	CountEpisodesUpdatedSince(ctx context.Context, userID string, since time.Time) (int, error)

	// LinkChunk records chunk membership in an episode. Linking an
	// already-linked pair is a no-op and returns false.
	LinkChunk(ctx context.Context, chunkID, episodeID string, similarity float64) (bool, error)

	// ListEpisodeChunks returns the chunks linked to an episode.
	ListEpisodeChunks(ctx context.Context, episodeID string) ([]*types.Chunk, error)

	// EpisodesForChunk returns the IDs of episodes a chunk belongs to.
	EpisodesForChunk(ctx context.Context, chunkID string) ([]string, error)
}

// ThoughtStore persists thoughts and episode-thought links.
type ThoughtStore interface {
	// PutThought creates or replaces a thought.
	PutThought(ctx context.Context, th *types.Thought) error

	// GetThought retrieves a thought by ID.
	GetThought(ctx context.Context, id string) (*types.Thought, error)

	// ListThoughts returns all thoughts for a user, newest first.
	ListThoughts(ctx context.Context, userID string) ([]*types.Thought, error)

	// LinkEpisode records episode coverage by a thought. Linking an
	// already-linked pair is a no-op and returns false.
	LinkEpisode(ctx context.Context, episodeID, thoughtID string) (bool, error)

	// EpisodesForThought returns the IDs of episodes a thought covers.
	EpisodesForThought(ctx context.Context, thoughtID string) ([]string, error)
}

// Store is the full relational surface used by the engine.
type Store interface {
	EventStore
	ChunkStore
	EpisodeStore
	ThoughtStore

	// Close releases the underlying database handles.
	Close() error
}
