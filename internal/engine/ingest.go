package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recollect-ai/recollect/internal/index"
	"github.com/recollect-ai/recollect/internal/queue"
	"github.com/recollect-ai/recollect/internal/storage"
	"github.com/recollect-ai/recollect/pkg/types"
)

// IngestRequest is one raw event entering the pipeline.
type IngestRequest struct {
	UserID      string
	SessionID   string
	ContentType types.ContentType
	Content     string

	// Force bypasses importance scoring; used by onboarding and bulk
	// uploads where everything is kept.
	Force bool
}

// IngestResult reports what happened to an accepted event.
type IngestResult struct {
	EventID string

	// Remembered is false when the event scored below the importance
	// threshold and produced no chunks.
	Remembered bool

	// Chunks is the number of fragments persisted.
	Chunks int
}

type attachPayload struct {
	ChunkID string `json:"chunk_id"`
}

// Ingest persists an event and, if it clears the importance filter, chunks
// and embeds it and feeds the fragments into the attachment pipeline.
//
// Pipeline failures after the event is persisted are absorbed and logged so
// the conversational request path never fails on memory bookkeeping; only
// input validation and the initial event write surface errors.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if req.UserID == "" {
		return IngestResult{}, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	if req.ContentType == "" {
		req.ContentType = types.ContentConversation
	}

	now := time.Now()
	ev := &types.RawEvent{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		ContentType: req.ContentType,
		Content:     req.Content,
		CreatedAt:   now,
	}
	if err := e.store.PutEvent(ctx, ev); err != nil {
		return IngestResult{}, fmt.Errorf("persist event: %w", err)
	}
	e.noteUser(req.UserID)
	e.metrics.EventIngested(string(req.ContentType))

	res := IngestResult{EventID: ev.ID}

	score, err := e.evaluator.Evaluate(ctx, req.Content, req.ContentType, req.Force)
	if err != nil {
		e.logger.Warn("importance evaluation failed", "event_id", ev.ID, "error", err)
		return res, nil
	}
	if !score.Known {
		e.metrics.EventFiltered()
		return res, nil
	}
	if !req.Force && score.Value < e.importanceThreshold() {
		e.metrics.EventFiltered()
		return res, nil
	}

	fragments := e.chunker.Split(req.Content)
	if len(fragments) == 0 {
		return res, nil
	}

	e.metrics.EmbedBatch(len(fragments))
	vectors, err := e.provider.EmbedBatch(ctx, fragments)
	if err != nil && len(vectors) == 0 {
		e.logger.Warn("embedding batch failed", "event_id", ev.ID, "fragments", len(fragments), "error", err)
		vectors = nil
	}

	chunks := make([]*types.Chunk, len(fragments))
	for i, fragment := range fragments {
		status := types.ChunkPending
		lastError := ""
		// Vectors match fragments positionally; anything past the returned
		// prefix failed at the provider.
		if i >= len(vectors) {
			status = types.ChunkError
			lastError = "embedding unavailable"
		}
		chunks[i] = &types.Chunk{
			ID:         uuid.NewString(),
			EventID:    ev.ID,
			UserID:     req.UserID,
			Seq:        i,
			Content:    fragment,
			Importance: score.Value,
			Status:     status,
			LastError:  lastError,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	if err := e.store.PutChunks(ctx, chunks); err != nil {
		e.logger.Error("persist chunks failed", "event_id", ev.ID, "error", err)
		return res, nil
	}
	res.Remembered = true
	res.Chunks = len(chunks)

	embedded := chunks
	if len(vectors) < len(chunks) {
		embedded = chunks[:len(vectors)]
		e.logger.Warn("partial embedding batch",
			"event_id", ev.ID, "requested", len(chunks), "returned", len(vectors))
		for range chunks[len(vectors):] {
			e.metrics.ChunkTransition(string(types.ChunkError))
		}
	}
	if len(embedded) == 0 {
		return res, nil
	}

	items := make([]index.Item, len(embedded))
	for i, c := range embedded {
		items[i] = index.Item{
			ID:         c.ID,
			UserID:     c.UserID,
			Importance: c.Importance,
			Vector:     vectors[i],
		}
	}

	if err := e.index.Upsert(ctx, index.ClassChunk, items); err != nil {
		// Index down: park the chunks; the reconciler retries the upsert and
		// only then releases them to attachment.
		e.logger.Warn("index upsert failed, parking chunks",
			"event_id", ev.ID, "count", len(embedded), "error", err)
		for _, c := range embedded {
			e.markTransition(ctx, c.ID, types.ChunkPending, types.ChunkPendingIndex)
		}
		return res, nil
	}

	for _, c := range embedded {
		e.markTransition(ctx, c.ID, types.ChunkPending, types.ChunkProcessed)
		if err := e.queue.Enqueue(ctx, jobAttach, attachPayload{ChunkID: c.ID},
			queue.Options{MaxAttempts: e.cfg.MaxAttempts}); err != nil {
			e.logger.Warn("attach enqueue failed", "chunk_id", c.ID, "error", err)
		}
	}
	return res, nil
}

// markTransition applies a status transition, tolerating replays.
func (e *Engine) markTransition(ctx context.Context, chunkID string, from, to types.ChunkStatus) {
	err := e.store.TransitionChunk(ctx, chunkID, from, to)
	switch {
	case err == nil:
		e.metrics.ChunkTransition(string(to))
	case errors.Is(err, storage.ErrConflict):
		// Already moved by a concurrent worker; fine under at-least-once
		// delivery.
	default:
		e.logger.Error("chunk transition failed",
			"chunk_id", chunkID, "from", from, "to", to, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
