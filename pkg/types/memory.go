// Package types defines the core data model for the Recollect memory system:
// raw events, chunks, episodes, thoughts, and the link records between them.
package types

import "time"

// ContentType tags the origin of a raw event.
type ContentType string

const (
	// ContentConversation is a single conversational turn.
	ContentConversation ContentType = "conversation"

	// ContentDocument is a fragment of an uploaded document.
	ContentDocument ContentType = "document"
)

// RawEvent is an immutable inbound text event. It is written once per
// message or document fragment and never mutated or deleted by this
// subsystem.
type RawEvent struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	SessionID   string      `json:"session_id,omitempty"`
	ContentType ContentType `json:"content_type"`
	Content     string      `json:"content"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ChunkStatus tracks a chunk through the ingestion pipeline.
type ChunkStatus string

const (
	// ChunkPending means the chunk row exists but its vector has not been
	// written to the index yet.
	ChunkPending ChunkStatus = "pending"

	// ChunkProcessed means the vector is in the index and the chunk is
	// eligible for episode attachment.
	ChunkProcessed ChunkStatus = "processed"

	// ChunkPendingIndex means the vector index was unreachable when the
	// chunk was ingested; the reconciler retries the upsert later.
	ChunkPendingIndex ChunkStatus = "pending_index"

	// ChunkError means embedding or indexing failed permanently for this
	// chunk (e.g. the provider returned fewer vectors than requested).
	ChunkError ChunkStatus = "error"
)

// Chunk is a bounded-length text fragment derived from exactly one RawEvent.
// The embedding vector lives in the vector index, keyed by chunk ID; the row
// carries content and pipeline state.
type Chunk struct {
	ID         string      `json:"id"`
	EventID    string      `json:"event_id"`
	UserID     string      `json:"user_id"`
	Seq        int         `json:"seq"` // position within the source event
	Content    string      `json:"content"`
	Importance float64     `json:"importance"` // [0,1]
	Status     ChunkStatus `json:"status"`
	Orphaned   bool        `json:"orphaned"` // processed but not attached to any episode
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"last_error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// EpisodeStatus is the lifecycle state of an episode.
type EpisodeStatus string

const (
	// EpisodeOpen episodes accept new chunk attachments.
	EpisodeOpen EpisodeStatus = "open"

	// EpisodeClosed episodes are retained for retrieval but no longer
	// considered by the attachment agent. Episodes are closed, never deleted.
	EpisodeClosed EpisodeStatus = "closed"
)

// Episode is a clustered narrative over a set of chunks. Membership is
// many-to-many: a chunk may belong to several episodes. The centroid is the
// mean of all member chunk vectors and is recomputed on every attachment.
type Episode struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Title      string        `json:"title"`
	Summary    string        `json:"summary,omitempty"`
	Centroid   []float32     `json:"centroid,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
	Status     EpisodeStatus `json:"status"`
	ChunkCount int           `json:"chunk_count"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Thought is a higher-order abstraction over two or more episodes that
// share recurring structure.
type Thought struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Confidence  float64   `json:"confidence"` // [0,1]
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChunkEpisodeLink is a pure relationship record between a chunk and an
// episode. Similarity stores the cosine score at attachment time.
type ChunkEpisodeLink struct {
	ChunkID    string    `json:"chunk_id"`
	EpisodeID  string    `json:"episode_id"`
	Similarity float64   `json:"similarity"`
	CreatedAt  time.Time `json:"created_at"`
}

// EpisodeThoughtLink relates an episode to a thought that covers it.
type EpisodeThoughtLink struct {
	EpisodeID string    `json:"episode_id"`
	ThoughtID string    `json:"thought_id"`
	CreatedAt time.Time `json:"created_at"`
}
