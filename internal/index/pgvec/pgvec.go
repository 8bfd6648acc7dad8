// Package pgvec implements the vector index on PostgreSQL with the pgvector
// extension. Each class gets its own table with a fixed-dimension vector
// column and a cosine ivfflat index.
package pgvec

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/recollect-ai/recollect/internal/index"
)

// Index implements index.Index on top of an existing *sql.DB.
type Index struct {
	db *sql.DB

	mu      sync.RWMutex
	classes map[string]index.Class
}

var _ index.Index = (*Index)(nil)

// New creates a pgvector-backed index using the given database handle.
// The caller retains ownership of db.
func New(db *sql.DB) *Index {
	return &Index{db: db, classes: make(map[string]index.Class)}
}

func tableName(class string) string {
	return "vectors_" + class
}

// EnsureClass creates the pgvector extension (idempotent) and the class
// table. Dimensionality is baked into the column type, so it cannot change
// after first declaration.
func (x *Index) EnsureClass(ctx context.Context, c Class) error {
	if c.Dimension <= 0 {
		return fmt.Errorf("pgvec: class %s: dimension must be positive", c.Name)
	}

	if _, err := x.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("%w: create extension: %v", index.ErrUnavailable, err)
	}

	table := tableName(c.Name)
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			embedding vector(%d) NOT NULL
		)`, table, c.Dimension)
	if _, err := x.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: create table %s: %v", index.ErrUnavailable, table, err)
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_cosine ON %s USING ivfflat (embedding vector_cosine_ops)`, table, table)
	if _, err := x.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("%w: create index on %s: %v", index.ErrUnavailable, table, err)
	}
	userIdx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s (user_id)`, table, table)
	if _, err := x.db.ExecContext(ctx, userIdx); err != nil {
		return fmt.Errorf("%w: create user index on %s: %v", index.ErrUnavailable, table, err)
	}

	x.mu.Lock()
	x.classes[c.Name] = c
	x.mu.Unlock()
	return nil
}

// Class is re-exported so callers don't need to import both packages.
type Class = index.Class

func (x *Index) class(name string) (index.Class, error) {
	x.mu.RLock()
	c, ok := x.classes[name]
	x.mu.RUnlock()
	if !ok {
		return index.Class{}, fmt.Errorf("%w: %s", index.ErrUnknownClass, name)
	}
	return c, nil
}

// Upsert writes items inside one transaction so a batch is all-or-nothing.
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
		INSERT INTO %s (id, user_id, importance, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			importance = EXCLUDED.importance,
			embedding = EXCLUDED.embedding`, tableName(class))
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, stmt, it.ID, it.UserID, it.Importance, pgvector.NewVector(it.Vector)); err != nil {
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
	if len(ids) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, tableName(class))
	if _, err := x.db.ExecContext(ctx, stmt, pq.Array(ids)); err != nil {
		return fmt.Errorf("%w: delete from %s: %v", index.ErrUnavailable, class, err)
	}
	return nil
}

// Fetch returns stored items by ID. Missing IDs are omitted.
func (x *Index) Fetch(ctx context.Context, class string, ids []string) ([]index.Item, error) {
	if _, err := x.class(class); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	stmt := fmt.Sprintf(`SELECT id, user_id, importance, embedding FROM %s WHERE id = ANY($1)`, tableName(class))
	rows, err := x.db.QueryContext(ctx, stmt, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("%w: fetch from %s: %v", index.ErrUnavailable, class, err)
	}
	defer func() { _ = rows.Close() }()

	var items []index.Item
	for rows.Next() {
		var it index.Item
		var vec pgvector.Vector
		if err := rows.Scan(&it.ID, &it.UserID, &it.Importance, &vec); err != nil {
			return nil, fmt.Errorf("pgvec: scan item: %w", err)
		}
		it.Vector = vec.Slice()
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: fetch %s rows: %v", index.ErrUnavailable, class, err)
	}
	return items, nil
}

// Search runs a cosine nearest-neighbor query. pgvector's <=> operator is
// cosine distance, so similarity = 1 - distance.
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

	stmt := fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE user_id = $2
		  AND importance >= $3
		  AND 1 - (embedding <=> $1) >= $4
		ORDER BY embedding <=> $1
		LIMIT $5`, tableName(class))

	rows, err := x.db.QueryContext(ctx, stmt, pgvector.NewVector(vec), q.UserID, q.MinImportance, q.Certainty, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %v", index.ErrUnavailable, class, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []index.Hit
	for rows.Next() {
		var h index.Hit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, fmt.Errorf("pgvec: scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: search %s rows: %v", index.ErrUnavailable, class, err)
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
