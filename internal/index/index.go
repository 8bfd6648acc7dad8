// Package index abstracts the vector index used for semantic search.
//
// The index stores one logical class per memory tier (chunk, episode,
// thought). Each class has a fixed vector dimensionality declared once at
// startup; writes with a mismatched dimension are rejected rather than
// padded or renormalized.
package index

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable indicates the index backend is unreachable. Callers
	// park affected work (pending_index) instead of failing the pipeline.
	ErrUnavailable = errors.New("vector index unavailable")

	// ErrUnknownClass indicates an operation on an undeclared class.
	ErrUnknownClass = errors.New("unknown vector class")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// class's declared dimensionality.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Tier class names. One class per memory tier.
const (
	ClassChunk   = "chunk"
	ClassEpisode = "episode"
	ClassThought = "thought"
)

// Class declares a vector class and its fixed dimensionality.
type Class struct {
	Name      string
	Dimension int
}

// Item is a single vector with its owning user and filterable attributes.
type Item struct {
	ID         string
	UserID     string
	Importance float64 // only meaningful for the chunk class
	Vector     []float32
}

// Query filters a nearest-neighbor search.
type Query struct {
	UserID        string
	Certainty     float64 // minimum cosine similarity in [0,1]; 0 disables
	MinImportance float64 // chunk class only; 0 disables
	Limit         int
}

// Hit is one nearest-neighbor result. Score is cosine similarity in [0,1].
type Hit struct {
	ID    string
	Score float64
}

// Index is the narrow vector-index surface used by the engine.
type Index interface {
	// EnsureClass declares a class, creating backing storage if needed.
	// Dimensionality is fixed on first declaration; re-declaring with a
	// different dimension is an error.
	EnsureClass(ctx context.Context, c Class) error

	// Upsert writes vectors into a class, replacing any existing entries
	// with the same IDs.
	Upsert(ctx context.Context, class string, items []Item) error

	// Delete removes vectors by ID. Missing IDs are ignored.
	Delete(ctx context.Context, class string, ids []string) error

	// Fetch returns the stored items for the given IDs. Missing IDs are
	// omitted from the result, not errors.
	Fetch(ctx context.Context, class string, ids []string) ([]Item, error)

	// Search returns up to q.Limit nearest neighbors of vec within the
	// class, best first, honoring the query filters.
	Search(ctx context.Context, class string, vec []float32, q Query) ([]Hit, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// CheckDimension validates a vector against a class declaration.
func CheckDimension(c Class, vec []float32) error {
	if len(vec) != c.Dimension {
		return fmt.Errorf("%w: class %s expects %d, got %d", ErrDimensionMismatch, c.Name, c.Dimension, len(vec))
	}
	return nil
}
