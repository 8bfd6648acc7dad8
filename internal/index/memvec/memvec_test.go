package memvec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect-ai/recollect/internal/index"
)

func newIndex(t *testing.T) *Index {
	t.Helper()
	x := New()
	require.NoError(t, x.EnsureClass(context.Background(), index.Class{Name: index.ClassChunk, Dimension: 3}))
	return x
}

func TestEnsureClassRejectsDimensionChange(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	require.NoError(t, x.EnsureClass(ctx, index.Class{Name: index.ClassChunk, Dimension: 3}))
	require.Error(t, x.EnsureClass(ctx, index.Class{Name: index.ClassChunk, Dimension: 4}))
}

func TestUpsertValidatesDimension(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	err := x.Upsert(ctx, index.ClassChunk, []index.Item{{ID: "a", UserID: "u1", Vector: []float32{1, 0}}})
	require.ErrorIs(t, err, index.ErrDimensionMismatch)

	err = x.Upsert(ctx, "undeclared", []index.Item{{ID: "a", Vector: []float32{1, 0, 0}}})
	require.ErrorIs(t, err, index.ErrUnknownClass)
}

func TestSearchRanksAndFilters(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, index.ClassChunk, []index.Item{
		{ID: "exact", UserID: "u1", Importance: 0.9, Vector: []float32{1, 0, 0}},
		{ID: "near", UserID: "u1", Importance: 0.9, Vector: []float32{0.9, 0.436, 0}},
		{ID: "far", UserID: "u1", Importance: 0.9, Vector: []float32{0, 1, 0}},
		{ID: "other-user", UserID: "u2", Importance: 0.9, Vector: []float32{1, 0, 0}},
		{ID: "trivial", UserID: "u1", Importance: 0.1, Vector: []float32{1, 0, 0}},
	}))

	hits, err := x.Search(ctx, index.ClassChunk, []float32{1, 0, 0}, index.Query{
		UserID:        "u1",
		Certainty:     0.5,
		MinImportance: 0.5,
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "exact", hits[0].ID)
	assert.Equal(t, "near", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchLimit(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, index.ClassChunk, []index.Item{
		{ID: "a", UserID: "u1", Vector: []float32{1, 0, 0}},
		{ID: "b", UserID: "u1", Vector: []float32{0.99, 0.141, 0}},
		{ID: "c", UserID: "u1", Vector: []float32{0.95, 0.312, 0}},
	}))

	hits, err := x.Search(ctx, index.ClassChunk, []float32{1, 0, 0}, index.Query{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestFetchAndDelete(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, index.ClassChunk, []index.Item{
		{ID: "a", UserID: "u1", Vector: []float32{1, 0, 0}},
		{ID: "b", UserID: "u1", Vector: []float32{0, 1, 0}},
	}))

	items, err := x.Fetch(ctx, index.ClassChunk, []string{"a", "missing", "b"})
	require.NoError(t, err)
	require.Len(t, items, 2, "missing IDs are omitted, not errors")

	require.NoError(t, x.Delete(ctx, index.ClassChunk, []string{"a", "missing"}))
	items, err = x.Fetch(ctx, index.ClassChunk, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)
}

func TestFailureInjection(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	x.SetDown(true)
	err := x.Ping(ctx)
	require.ErrorIs(t, err, index.ErrUnavailable)
	_, err = x.Search(ctx, index.ClassChunk, []float32{1, 0, 0}, index.Query{UserID: "u1"})
	require.ErrorIs(t, err, index.ErrUnavailable)

	x.SetDown(false)
	require.NoError(t, x.Ping(ctx))

	x.FailClass(index.ClassChunk, index.ErrUnavailable)
	err = x.Upsert(ctx, index.ClassChunk, []index.Item{{ID: "a", UserID: "u1", Vector: []float32{1, 0, 0}}})
	require.ErrorIs(t, err, index.ErrUnavailable)

	x.FailClass(index.ClassChunk, nil)
	require.NoError(t, x.Upsert(ctx, index.ClassChunk, []index.Item{{ID: "a", UserID: "u1", Vector: []float32{1, 0, 0}}}))
}

func TestUpsertCopiesVectors(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	vec := []float32{1, 0, 0}
	require.NoError(t, x.Upsert(ctx, index.ClassChunk, []index.Item{{ID: "a", UserID: "u1", Vector: vec}}))
	vec[0] = 42

	it, ok := x.Get(index.ClassChunk, "a")
	require.True(t, ok)
	assert.Equal(t, float32(1), it.Vector[0], "stored vectors are isolated from caller slices")
}
