package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/recollect-ai/recollect/internal/storage"
	"github.com/recollect-ai/recollect/pkg/types"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to PostgreSQL and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle without applying the schema. The
// pgvec index shares the same handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle so the pgvec index can share it.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// PutEvent stores a write-once raw event.
func (s *Store) PutEvent(ctx context.Context, ev *types.RawEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("%w: event ID is required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, user_id, session_id, content_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.UserID, nullable(ev.SessionID), string(ev.ContentType), ev.Content, ev.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: event %s already exists", storage.ErrConflict, ev.ID)
		}
		return fmt.Errorf("postgres: put event %s: %w", ev.ID, err)
	}
	return nil
}

// GetEvent retrieves a raw event.
func (s *Store) GetEvent(ctx context.Context, id string) (*types.RawEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, COALESCE(session_id, ''), content_type, content, created_at
		FROM events WHERE id = $1`, id)

	var ev types.RawEvent
	var contentType string
	err := row.Scan(&ev.ID, &ev.UserID, &ev.SessionID, &contentType, &ev.Content, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: event %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get event %s: %w", id, err)
	}
	ev.ContentType = types.ContentType(contentType)
	return &ev, nil
}

const chunkColumns = `id, event_id, user_id, seq, content, importance, status, orphaned, attempts, COALESCE(last_error, ''), created_at, updated_at`

func scanChunk(row interface{ Scan(...any) error }) (*types.Chunk, error) {
	var c types.Chunk
	var status string
	err := row.Scan(&c.ID, &c.EventID, &c.UserID, &c.Seq, &c.Content, &c.Importance,
		&status, &c.Orphaned, &c.Attempts, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = types.ChunkStatus(status)
	return &c, nil
}

// PutChunks stores a batch of chunks in one transaction.
func (s *Store) PutChunks(ctx context.Context, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range chunks {
		if c == nil || c.ID == "" {
			return fmt.Errorf("%w: chunk ID is required", storage.ErrInvalidInput)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, event_id, user_id, seq, content, importance, status, orphaned, attempts, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				importance = EXCLUDED.importance,
				status = EXCLUDED.status,
				orphaned = EXCLUDED.orphaned,
				updated_at = EXCLUDED.updated_at`,
			c.ID, c.EventID, c.UserID, c.Seq, c.Content, c.Importance, string(c.Status),
			c.Orphaned, c.Attempts, nullable(c.LastError), c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("postgres: put chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit chunks: %w", err)
	}
	return nil
}

// GetChunk retrieves a chunk.
func (s *Store) GetChunk(ctx context.Context, id string) (*types.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = $1`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: chunk %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get chunk %s: %w", id, err)
	}
	return c, nil
}

// TransitionChunk atomically moves a chunk between statuses. The WHERE
// clause on the current status makes replayed queue deliveries no-ops that
// surface as ErrConflict.
func (s *Store) TransitionChunk(ctx context.Context, id string, from, to types.ChunkStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("postgres: transition chunk %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: transition chunk %s: %w", id, err)
	}
	if n == 0 {
		if _, getErr := s.GetChunk(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: chunk %s not in status %s", storage.ErrConflict, id, from)
	}
	return nil
}

// SetChunkError marks a chunk failed and bumps its attempt counter.
func (s *Store) SetChunkError(ctx context.Context, id string, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = $1, last_error = $2, attempts = attempts + 1, updated_at = now()
		WHERE id = $3`, string(types.ChunkError), msg, id)
	if err != nil {
		return fmt.Errorf("postgres: set chunk error %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// SetChunkOrphaned flips the orphan flag.
func (s *Store) SetChunkOrphaned(ctx context.Context, id string, orphaned bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET orphaned = $1, updated_at = now() WHERE id = $2`, orphaned, id)
	if err != nil {
		return fmt.Errorf("postgres: set chunk orphaned %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// ListChunksByStatus returns chunks in a status, oldest first.
func (s *Store) ListChunksByStatus(ctx context.Context, status types.ChunkStatus, limit int) ([]*types.Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list chunks by status %s: %w", status, err)
	}
	return collectChunks(rows)
}

// ListOrphanedChunks returns a user's processed, orphaned chunks, oldest first.
func (s *Store) ListOrphanedChunks(ctx context.Context, userID string) ([]*types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE user_id = $1 AND orphaned AND status = $2
		ORDER BY created_at ASC`, userID, string(types.ChunkProcessed))
	if err != nil {
		return nil, fmt.Errorf("postgres: list orphaned chunks: %w", err)
	}
	return collectChunks(rows)
}

// PutEpisode creates or replaces an episode.
func (s *Store) PutEpisode(ctx context.Context, ep *types.Episode) error {
	if ep == nil || ep.ID == "" {
		return fmt.Errorf("%w: episode ID is required", storage.ErrInvalidInput)
	}
	tags, err := json.Marshal(ep.Tags)
	if err != nil {
		return fmt.Errorf("postgres: marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, user_id, title, summary, centroid, tags, status, chunk_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			centroid = EXCLUDED.centroid,
			tags = EXCLUDED.tags,
			status = EXCLUDED.status,
			chunk_count = EXCLUDED.chunk_count,
			updated_at = EXCLUDED.updated_at`,
		ep.ID, ep.UserID, ep.Title, nullable(ep.Summary), storage.EncodeVector(ep.Centroid),
		tags, string(ep.Status), ep.ChunkCount, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put episode %s: %w", ep.ID, err)
	}
	return nil
}

const episodeColumns = `id, user_id, title, COALESCE(summary, ''), centroid, tags, status, chunk_count, created_at, updated_at`

func scanEpisode(row interface{ Scan(...any) error }) (*types.Episode, error) {
	var (
		ep       types.Episode
		centroid []byte
		tags     []byte
		status   string
	)
	err := row.Scan(&ep.ID, &ep.UserID, &ep.Title, &ep.Summary, &centroid, &tags,
		&status, &ep.ChunkCount, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ep.Status = types.EpisodeStatus(status)
	if ep.Centroid, err = storage.DecodeVector(centroid); err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &ep.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return &ep, nil
}

// GetEpisode retrieves an episode.
func (s *Store) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = $1`, id)
	ep, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: episode %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get episode %s: %w", id, err)
	}
	return ep, nil
}

// ListOpenEpisodes returns open episodes for a user updated at or after since.
func (s *Store) ListOpenEpisodes(ctx context.Context, userID string, since time.Time) ([]*types.Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes
		WHERE user_id = $1 AND status = $2 AND updated_at >= $3
		ORDER BY updated_at DESC`, userID, string(types.EpisodeOpen), since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open episodes: %w", err)
	}
	return collectEpisodes(rows)
}

// ListEpisodes returns all episodes for a user, newest first.
func (s *Store) ListEpisodes(ctx context.Context, userID string) ([]*types.Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes
		WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list episodes: %w", err)
	}
	return collectEpisodes(rows)
}

// CountEpisodesUpdatedSince counts a user's recently updated episodes.
func (s *Store) CountEpisodesUpdatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM episodes WHERE user_id = $1 AND updated_at > $2`,
		userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count updated episodes: %w", err)
	}
	return count, nil
}

// LinkChunk links a chunk to an episode; returns false when already linked.
// The episode chunk_count is bumped in the same transaction.
func (s *Store) LinkChunk(ctx context.Context, chunkID, episodeID string, similarity float64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chunk_episode_links (chunk_id, episode_id, similarity)
		VALUES ($1, $2, $3)
		ON CONFLICT (chunk_id, episode_id) DO NOTHING`, chunkID, episodeID, similarity)
	if err != nil {
		return false, fmt.Errorf("postgres: link chunk %s to episode %s: %w", chunkID, episodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: link chunk rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE episodes SET chunk_count = chunk_count + 1, updated_at = now()
		WHERE id = $1`, episodeID); err != nil {
		return false, fmt.Errorf("postgres: bump chunk count for %s: %w", episodeID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("postgres: commit link: %w", err)
	}
	return true, nil
}

// ListEpisodeChunks returns an episode's member chunks, oldest first.
func (s *Store) ListEpisodeChunks(ctx context.Context, episodeID string) ([]*types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.event_id, c.user_id, c.seq, c.content, c.importance, c.status,
		       c.orphaned, c.attempts, COALESCE(c.last_error, ''), c.created_at, c.updated_at
		FROM chunks c
		JOIN chunk_episode_links l ON l.chunk_id = c.id
		WHERE l.episode_id = $1
		ORDER BY c.created_at ASC`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list episode chunks: %w", err)
	}
	return collectChunks(rows)
}

// EpisodesForChunk returns IDs of episodes containing a chunk.
func (s *Store) EpisodesForChunk(ctx context.Context, chunkID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id FROM chunk_episode_links WHERE chunk_id = $1 ORDER BY episode_id`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("postgres: episodes for chunk %s: %w", chunkID, err)
	}
	return collectIDs(rows)
}

// PutThought creates or replaces a thought.
func (s *Store) PutThought(ctx context.Context, th *types.Thought) error {
	if th == nil || th.ID == "" {
		return fmt.Errorf("%w: thought ID is required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thoughts (id, user_id, name, description, confidence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at`,
		th.ID, th.UserID, th.Name, nullable(th.Description), th.Confidence, th.CreatedAt, th.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put thought %s: %w", th.ID, err)
	}
	return nil
}

// GetThought retrieves a thought.
func (s *Store) GetThought(ctx context.Context, id string) (*types.Thought, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, COALESCE(description, ''), confidence, created_at, updated_at
		FROM thoughts WHERE id = $1`, id)

	var th types.Thought
	err := row.Scan(&th.ID, &th.UserID, &th.Name, &th.Description, &th.Confidence, &th.CreatedAt, &th.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: thought %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get thought %s: %w", id, err)
	}
	return &th, nil
}

// ListThoughts returns all thoughts for a user, newest first.
func (s *Store) ListThoughts(ctx context.Context, userID string) ([]*types.Thought, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, COALESCE(description, ''), confidence, created_at, updated_at
		FROM thoughts WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list thoughts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Thought
	for rows.Next() {
		var th types.Thought
		if err := rows.Scan(&th.ID, &th.UserID, &th.Name, &th.Description, &th.Confidence, &th.CreatedAt, &th.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan thought: %w", err)
		}
		out = append(out, &th)
	}
	return out, rows.Err()
}

// LinkEpisode links an episode to a thought; returns false when already linked.
func (s *Store) LinkEpisode(ctx context.Context, episodeID, thoughtID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO episode_thought_links (episode_id, thought_id)
		VALUES ($1, $2)
		ON CONFLICT (episode_id, thought_id) DO NOTHING`, episodeID, thoughtID)
	if err != nil {
		return false, fmt.Errorf("postgres: link episode %s to thought %s: %w", episodeID, thoughtID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: link episode rows: %w", err)
	}
	return n > 0, nil
}

// EpisodesForThought returns IDs of episodes a thought covers.
func (s *Store) EpisodesForThought(ctx context.Context, thoughtID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id FROM episode_thought_links WHERE thought_id = $1 ORDER BY episode_id`, thoughtID)
	if err != nil {
		return nil, fmt.Errorf("postgres: episodes for thought %s: %w", thoughtID, err)
	}
	return collectIDs(rows)
}

func collectChunks(rows *sql.Rows) ([]*types.Chunk, error) {
	defer func() { _ = rows.Close() }()
	var out []*types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func collectEpisodes(rows *sql.Rows) ([]*types.Episode, error) {
	defer func() { _ = rows.Close() }()
	var out []*types.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan episode: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: chunk %s", storage.ErrNotFound, id)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
