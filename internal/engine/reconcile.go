package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/recollect-ai/recollect/internal/index"
	"github.com/recollect-ai/recollect/internal/queue"
	"github.com/recollect-ai/recollect/pkg/types"
)

// Reconcile releases parked work: chunks whose index write failed
// (pending_index) are retried and, once indexed, fed to attachment; chunks
// in error with attempts to spare are re-embedded. Runs at startup and on a
// timer, and is safe to run concurrently with ingestion because every
// release goes through an atomic status transition.
func (e *Engine) Reconcile(ctx context.Context) error {
	if err := e.reconcileParked(ctx); err != nil {
		return err
	}
	return e.reconcileErrored(ctx)
}

func (e *Engine) reconcileParked(ctx context.Context) error {
	parked, err := e.store.ListChunksByStatus(ctx, types.ChunkPendingIndex, e.cfg.ReconcileBatch)
	if err != nil {
		return fmt.Errorf("list parked chunks: %w", err)
	}
	if len(parked) == 0 {
		return nil
	}

	if err := e.index.Ping(ctx); err != nil {
		// Still down; leave everything parked for the next sweep.
		e.logger.Info("index still unavailable, keeping chunks parked", "parked", len(parked))
		return nil
	}

	released := 0
	for _, c := range parked {
		if err := e.reindexChunk(ctx, c); err != nil {
			if errors.Is(err, index.ErrUnavailable) {
				e.logger.Warn("index became unavailable mid-sweep", "released", released)
				return nil
			}
			e.logger.Warn("reindex failed", "chunk_id", c.ID, "error", err)
			continue
		}
		e.markTransition(ctx, c.ID, types.ChunkPendingIndex, types.ChunkProcessed)
		if err := e.queue.Enqueue(ctx, jobAttach, attachPayload{ChunkID: c.ID},
			queue.Options{MaxAttempts: e.cfg.MaxAttempts}); err != nil {
			e.logger.Warn("attach enqueue failed", "chunk_id", c.ID, "error", err)
		}
		released++
	}
	if released > 0 {
		e.logger.Info("released parked chunks", "count", released)
	}
	return nil
}

func (e *Engine) reconcileErrored(ctx context.Context) error {
	failed, err := e.store.ListChunksByStatus(ctx, types.ChunkError, e.cfg.ReconcileBatch)
	if err != nil {
		return fmt.Errorf("list errored chunks: %w", err)
	}

	for _, c := range failed {
		if c.Attempts >= e.cfg.MaxAttempts {
			continue
		}
		if err := e.reindexChunk(ctx, c); err != nil {
			if setErr := e.store.SetChunkError(ctx, c.ID, err.Error()); setErr != nil {
				e.logger.Error("record chunk error failed", "chunk_id", c.ID, "error", setErr)
			}
			continue
		}
		e.markTransition(ctx, c.ID, types.ChunkError, types.ChunkProcessed)
		if err := e.queue.Enqueue(ctx, jobAttach, attachPayload{ChunkID: c.ID},
			queue.Options{MaxAttempts: e.cfg.MaxAttempts}); err != nil {
			e.logger.Warn("attach enqueue failed", "chunk_id", c.ID, "error", err)
		}
	}
	return nil
}

// reindexChunk makes sure the chunk's vector is present in the index,
// embedding the content if the vector is missing.
func (e *Engine) reindexChunk(ctx context.Context, c *types.Chunk) error {
	items, err := e.index.Fetch(ctx, index.ClassChunk, []string{c.ID})
	if err != nil {
		return err
	}
	var vec []float32
	if len(items) > 0 {
		vec = items[0].Vector
	} else {
		vecs, err := e.provider.EmbedBatch(ctx, []string{c.Content})
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		if len(vecs) == 0 {
			return fmt.Errorf("embed: provider returned no vector")
		}
		vec = vecs[0]
	}
	return e.index.Upsert(ctx, index.ClassChunk, []index.Item{{
		ID:         c.ID,
		UserID:     c.UserID,
		Importance: c.Importance,
		Vector:     vec,
	}})
}
