package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/recollect-ai/recollect/internal/storage"
	"github.com/recollect-ai/recollect/pkg/types"
)

// Store implements storage.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database file, applies pragmas suitable for a
// concurrent single-writer workload, and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle so the sqlvec index can share it.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// PutEvent stores a write-once raw event.
func (s *Store) PutEvent(ctx context.Context, ev *types.RawEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("%w: event ID is required", storage.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, user_id, session_id, content_type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.SessionID, string(ev.ContentType), ev.Content, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: put event %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: put event rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: event %s already exists", storage.ErrConflict, ev.ID)
	}
	return nil
}

// GetEvent retrieves a raw event.
func (s *Store) GetEvent(ctx context.Context, id string) (*types.RawEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, COALESCE(session_id, ''), content_type, content, created_at
		FROM events WHERE id = ?`, id)

	var ev types.RawEvent
	var contentType string
	err := row.Scan(&ev.ID, &ev.UserID, &ev.SessionID, &contentType, &ev.Content, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: event %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get event %s: %w", id, err)
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
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range chunks {
		if c == nil || c.ID == "" {
			return fmt.Errorf("%w: chunk ID is required", storage.ErrInvalidInput)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, event_id, user_id, seq, content, importance, status, orphaned, attempts, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				importance = excluded.importance,
				status = excluded.status,
				orphaned = excluded.orphaned,
				updated_at = excluded.updated_at`,
			c.ID, c.EventID, c.UserID, c.Seq, c.Content, c.Importance, string(c.Status),
			c.Orphaned, c.Attempts, c.LastError, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("sqlite: put chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit chunks: %w", err)
	}
	return nil
}

// GetChunk retrieves a chunk.
func (s *Store) GetChunk(ctx context.Context, id string) (*types.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: chunk %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get chunk %s: %w", id, err)
	}
	return c, nil
}

// TransitionChunk atomically moves a chunk between statuses.
func (s *Store) TransitionChunk(ctx context.Context, id string, from, to types.ChunkStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`, string(to), time.Now(), id, string(from))
	if err != nil {
		return fmt.Errorf("sqlite: transition chunk %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: transition chunk %s: %w", id, err)
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
		UPDATE chunks SET status = ?, last_error = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ?`, string(types.ChunkError), msg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("sqlite: set chunk error %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// SetChunkOrphaned flips the orphan flag.
func (s *Store) SetChunkOrphaned(ctx context.Context, id string, orphaned bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET orphaned = ?, updated_at = ? WHERE id = ?`, orphaned, time.Now(), id)
	if err != nil {
		return fmt.Errorf("sqlite: set chunk orphaned %s: %w", id, err)
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
		WHERE status = ? ORDER BY created_at ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list chunks by status %s: %w", status, err)
	}
	return collectChunks(rows)
}

// ListOrphanedChunks returns a user's processed, orphaned chunks, oldest first.
func (s *Store) ListOrphanedChunks(ctx context.Context, userID string) ([]*types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE user_id = ? AND orphaned AND status = ?
		ORDER BY created_at ASC`, userID, string(types.ChunkProcessed))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list orphaned chunks: %w", err)
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
		return fmt.Errorf("sqlite: marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, user_id, title, summary, centroid, tags, status, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			centroid = excluded.centroid,
			tags = excluded.tags,
			status = excluded.status,
			chunk_count = excluded.chunk_count,
			updated_at = excluded.updated_at`,
		ep.ID, ep.UserID, ep.Title, ep.Summary, storage.EncodeVector(ep.Centroid),
		string(tags), string(ep.Status), ep.ChunkCount, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: put episode %s: %w", ep.ID, err)
	}
	return nil
}

const episodeColumns = `id, user_id, title, COALESCE(summary, ''), centroid, COALESCE(tags, ''), status, chunk_count, created_at, updated_at`

func scanEpisode(row interface{ Scan(...any) error }) (*types.Episode, error) {
	var (
		ep       types.Episode
		centroid []byte
		tags     string
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
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &ep.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return &ep, nil
}

// GetEpisode retrieves an episode.
func (s *Store) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: episode %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get episode %s: %w", id, err)
	}
	return ep, nil
}

// ListOpenEpisodes returns open episodes for a user updated at or after since.
func (s *Store) ListOpenEpisodes(ctx context.Context, userID string, since time.Time) ([]*types.Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes
		WHERE user_id = ? AND status = ? AND updated_at >= ?
		ORDER BY updated_at DESC`, userID, string(types.EpisodeOpen), since)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list open episodes: %w", err)
	}
	return collectEpisodes(rows)
}

// ListEpisodes returns all episodes for a user, newest first.
func (s *Store) ListEpisodes(ctx context.Context, userID string) ([]*types.Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes
		WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list episodes: %w", err)
	}
	return collectEpisodes(rows)
}

// CountEpisodesUpdatedSince counts a user's recently updated episodes.
func (s *Store) CountEpisodesUpdatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM episodes WHERE user_id = ? AND updated_at > ?`,
		userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count updated episodes: %w", err)
	}
	return count, nil
}

// LinkChunk links a chunk to an episode; returns false when already linked.
func (s *Store) LinkChunk(ctx context.Context, chunkID, episodeID string, similarity float64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO chunk_episode_links (chunk_id, episode_id, similarity, created_at)
		VALUES (?, ?, ?, ?)`, chunkID, episodeID, similarity, time.Now())
	if err != nil {
		return false, fmt.Errorf("sqlite: link chunk %s to episode %s: %w", chunkID, episodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: link chunk rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE episodes SET chunk_count = chunk_count + 1, updated_at = ? WHERE id = ?`,
		time.Now(), episodeID); err != nil {
		return false, fmt.Errorf("sqlite: bump chunk count for %s: %w", episodeID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: commit link: %w", err)
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
		WHERE l.episode_id = ?
		ORDER BY c.created_at ASC`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list episode chunks: %w", err)
	}
	return collectChunks(rows)
}

// EpisodesForChunk returns IDs of episodes containing a chunk.
func (s *Store) EpisodesForChunk(ctx context.Context, chunkID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id FROM chunk_episode_links WHERE chunk_id = ? ORDER BY episode_id`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: episodes for chunk %s: %w", chunkID, err)
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
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		th.ID, th.UserID, th.Name, th.Description, th.Confidence, th.CreatedAt, th.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: put thought %s: %w", th.ID, err)
	}
	return nil
}

// GetThought retrieves a thought.
func (s *Store) GetThought(ctx context.Context, id string) (*types.Thought, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, COALESCE(description, ''), confidence, created_at, updated_at
		FROM thoughts WHERE id = ?`, id)

	var th types.Thought
	err := row.Scan(&th.ID, &th.UserID, &th.Name, &th.Description, &th.Confidence, &th.CreatedAt, &th.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: thought %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get thought %s: %w", id, err)
	}
	return &th, nil
}

// ListThoughts returns all thoughts for a user, newest first.
func (s *Store) ListThoughts(ctx context.Context, userID string) ([]*types.Thought, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, COALESCE(description, ''), confidence, created_at, updated_at
		FROM thoughts WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list thoughts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Thought
	for rows.Next() {
		var th types.Thought
		if err := rows.Scan(&th.ID, &th.UserID, &th.Name, &th.Description, &th.Confidence, &th.CreatedAt, &th.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan thought: %w", err)
		}
		out = append(out, &th)
	}
	return out, rows.Err()
}

// LinkEpisode links an episode to a thought; returns false when already linked.
func (s *Store) LinkEpisode(ctx context.Context, episodeID, thoughtID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO episode_thought_links (episode_id, thought_id, created_at)
		VALUES (?, ?, ?)`, episodeID, thoughtID, time.Now())
	if err != nil {
		return false, fmt.Errorf("sqlite: link episode %s to thought %s: %w", episodeID, thoughtID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: link episode rows: %w", err)
	}
	return n > 0, nil
}

// EpisodesForThought returns IDs of episodes a thought covers.
func (s *Store) EpisodesForThought(ctx context.Context, thoughtID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id FROM episode_thought_links WHERE thought_id = ? ORDER BY episode_id`, thoughtID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: episodes for thought %s: %w", thoughtID, err)
	}
	return collectIDs(rows)
}

func collectChunks(rows *sql.Rows) ([]*types.Chunk, error) {
	defer func() { _ = rows.Close() }()
	var out []*types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan chunk: %w", err)
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
			return nil, fmt.Errorf("sqlite: scan episode: %w", err)
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
			return nil, fmt.Errorf("sqlite: scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: chunk %s", storage.ErrNotFound, id)
	}
	return nil
}
