// Package memvec is an in-memory vector index used in development and tests.
// It mirrors the semantics of the SQL-backed indexes, including per-class
// dimensionality checks, and adds deterministic failure injection so tests
// can exercise unavailable-index and per-stage degradation paths.
package memvec

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/recollect-ai/recollect/internal/index"
)

// Index implements index.Index in process.
type Index struct {
	mu      sync.RWMutex
	classes map[string]index.Class
	items   map[string]map[string]index.Item // class -> id -> item

	down        bool
	failClasses map[string]error
}

var _ index.Index = (*Index)(nil)

// New creates an empty in-memory index.
func New() *Index {
	return &Index{
		classes:     make(map[string]index.Class),
		items:       make(map[string]map[string]index.Item),
		failClasses: make(map[string]error),
	}
}

// SetDown simulates total backend unavailability.
func (x *Index) SetDown(down bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.down = down
}

// FailClass makes every operation on one class return err. A nil err clears
// the injection.
func (x *Index) FailClass(class string, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err == nil {
		delete(x.failClasses, class)
		return
	}
	x.failClasses[class] = err
}

func (x *Index) gate(class string) error {
	if x.down {
		return index.ErrUnavailable
	}
	if err, ok := x.failClasses[class]; ok {
		return err
	}
	return nil
}

// EnsureClass declares a class.
func (x *Index) EnsureClass(_ context.Context, c index.Class) error {
	if c.Dimension <= 0 {
		return fmt.Errorf("memvec: class %s: dimension must be positive", c.Name)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.classes[c.Name]; ok && existing.Dimension != c.Dimension {
		return fmt.Errorf("memvec: class %s already declared with dimension %d", c.Name, existing.Dimension)
	}
	x.classes[c.Name] = c
	if x.items[c.Name] == nil {
		x.items[c.Name] = make(map[string]index.Item)
	}
	return nil
}

// Upsert writes items.
func (x *Index) Upsert(_ context.Context, class string, items []index.Item) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.gate(class); err != nil {
		return err
	}
	c, ok := x.classes[class]
	if !ok {
		return fmt.Errorf("%w: %s", index.ErrUnknownClass, class)
	}
	for _, it := range items {
		if err := index.CheckDimension(c, it.Vector); err != nil {
			return err
		}
	}
	for _, it := range items {
		vec := make([]float32, len(it.Vector))
		copy(vec, it.Vector)
		it.Vector = vec
		x.items[class][it.ID] = it
	}
	return nil
}

// Delete removes vectors by ID.
func (x *Index) Delete(_ context.Context, class string, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.gate(class); err != nil {
		return err
	}
	if _, ok := x.classes[class]; !ok {
		return fmt.Errorf("%w: %s", index.ErrUnknownClass, class)
	}
	for _, id := range ids {
		delete(x.items[class], id)
	}
	return nil
}

// Get returns the stored item for an ID, for test assertions and centroid
// recomputation in the dev backend.
func (x *Index) Get(class, id string) (index.Item, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	it, ok := x.items[class][id]
	return it, ok
}

// Fetch returns stored items by ID. Missing IDs are omitted.
func (x *Index) Fetch(_ context.Context, class string, ids []string) ([]index.Item, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := x.gate(class); err != nil {
		return nil, err
	}
	if _, ok := x.classes[class]; !ok {
		return nil, fmt.Errorf("%w: %s", index.ErrUnknownClass, class)
	}
	var items []index.Item
	for _, id := range ids {
		if it, ok := x.items[class][id]; ok {
			vec := make([]float32, len(it.Vector))
			copy(vec, it.Vector)
			it.Vector = vec
			items = append(items, it)
		}
	}
	return items, nil
}

// Search ranks the owner's vectors by cosine similarity.
func (x *Index) Search(_ context.Context, class string, vec []float32, q index.Query) ([]index.Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := x.gate(class); err != nil {
		return nil, err
	}
	c, ok := x.classes[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", index.ErrUnknownClass, class)
	}
	if err := index.CheckDimension(c, vec); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	var hits []index.Hit
	for _, it := range x.items[class] {
		if it.UserID != q.UserID {
			continue
		}
		if it.Importance < q.MinImportance {
			continue
		}
		score := cosine(vec, it.Vector)
		if score < q.Certainty {
			continue
		}
		hits = append(hits, index.Hit{ID: it.ID, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Ping reports simulated reachability.
func (x *Index) Ping(_ context.Context) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.down {
		return index.ErrUnavailable
	}
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
