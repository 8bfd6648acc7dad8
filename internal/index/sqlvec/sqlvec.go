// Package sqlvec implements the vector index on SQLite. Vectors are stored
// as little-endian float32 BLOBs and similarity search is an in-process
// cosine scan over the owner's rows, which is adequate for single-node
// deployments with per-user candidate sets.
package sqlvec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/recollect-ai/recollect/internal/index"
)

// Index implements index.Index on top of an existing SQLite *sql.DB.
type Index struct {
	db *sql.DB

	mu      sync.RWMutex
	classes map[string]index.Class
}

var _ index.Index = (*Index)(nil)

// New creates a SQLite-backed index using the given database handle.
func New(db *sql.DB) *Index {
	return &Index{db: db, classes: make(map[string]index.Class)}
}

func tableName(class string) string {
	return "vectors_" + class
}

// EnsureClass creates the class table. The declared dimension is persisted
// per row and validated on write.
func (x *Index) EnsureClass(ctx context.Context, c index.Class) error {
	if c.Dimension <= 0 {
		return fmt.Errorf("sqlvec: class %s: dimension must be positive", c.Name)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			dimension INTEGER NOT NULL,
			embedding BLOB NOT NULL
		)`, tableName(c.Name))
	if _, err := x.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: create table %s: %v", index.ErrUnavailable, c.Name, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s (user_id)`, tableName(c.Name), tableName(c.Name))
	if _, err := x.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("%w: create index %s: %v", index.ErrUnavailable, c.Name, err)
	}

	x.mu.Lock()
	x.classes[c.Name] = c
	x.mu.Unlock()
	return nil
}

func (x *Index) class(name string) (index.Class, error) {
	x.mu.RLock()
	c, ok := x.classes[name]
	x.mu.RUnlock()
	if !ok {
		return index.Class{}, fmt.Errorf("%w: %s", index.ErrUnknownClass, name)
	}
	return c, nil
}

// Upsert writes items in one transaction.
func (x *Index) Upsert(ctx context.Context, class string, items []index.Item) error {
	c, err := x.class(class)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	for _, it := range items {
		if err := index.CheckDimension(c, it.Vector); err != nil {
			return err
		}
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", index.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, importance, dimension, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			importance = excluded.importance,
			dimension = excluded.dimension,
			embedding = excluded.embedding`, tableName(class))
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, stmt, it.ID, it.UserID, it.Importance, len(it.Vector), Serialize(it.Vector)); err != nil {
			return fmt.Errorf("%w: upsert %s into %s: %v", index.ErrUnavailable, it.ID, class, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", index.ErrUnavailable, err)
	}
	return nil
}

// Delete removes vectors by ID.
func (x *Index) Delete(ctx context.Context, class string, ids []string) error {
	if _, err := x.class(class); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tableName(class))
	for _, id := range ids {
		if _, err := x.db.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("%w: delete %s from %s: %v", index.ErrUnavailable, id, class, err)
		}
	}
	return nil
}

// Fetch returns stored items by ID. Missing IDs are omitted.
func (x *Index) Fetch(ctx context.Context, class string, ids []string) ([]index.Item, error) {
	if _, err := x.class(class); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`SELECT id, user_id, importance, embedding FROM %s WHERE id = ?`, tableName(class))
	var items []index.Item
	for _, id := range ids {
		var (
			it   index.Item
			blob []byte
		)
		err := x.db.QueryRowContext(ctx, stmt, id).Scan(&it.ID, &it.UserID, &it.Importance, &blob)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: fetch %s from %s: %v", index.ErrUnavailable, id, class, err)
		}
		if it.Vector, err = Deserialize(blob); err != nil {
			return nil, fmt.Errorf("sqlvec: vector %s: %w", id, err)
		}
		items = append(items, it)
	}
	return items, nil
}

// Search scans the owner's vectors and ranks by cosine similarity.
func (x *Index) Search(ctx context.Context, class string, vec []float32, q index.Query) ([]index.Hit, error) {
	c, err := x.class(class)
	if err != nil {
		return nil, err
	}
	if err := index.CheckDimension(c, vec); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	stmt := fmt.Sprintf(`SELECT id, importance, embedding FROM %s WHERE user_id = ?`, tableName(class))
	rows, err := x.db.QueryContext(ctx, stmt, q.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %v", index.ErrUnavailable, class, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []index.Hit
	for rows.Next() {
		var (
			id         string
			importance float64
			blob       []byte
		)
		if err := rows.Scan(&id, &importance, &blob); err != nil {
			return nil, fmt.Errorf("sqlvec: scan row: %w", err)
		}
		if importance < q.MinImportance {
			continue
		}
		candidate, err := Deserialize(blob)
		if err != nil {
			return nil, fmt.Errorf("sqlvec: vector %s: %w", id, err)
		}
		score := cosine(vec, candidate)
		if score < q.Certainty {
			continue
		}
		hits = append(hits, index.Hit{ID: id, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: search %s rows: %v", index.ErrUnavailable, class, err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Ping reports backend reachability.
func (x *Index) Ping(ctx context.Context) error {
	if err := x.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}
	return nil
}

// Serialize encodes a vector as a little-endian float32 BLOB.
func Serialize(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Deserialize decodes a BLOB written by Serialize.
func Deserialize(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
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
