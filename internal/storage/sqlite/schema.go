// Package sqlite provides the SQLite implementation of the storage
// interfaces, for single-node deployments and local development. The
// companion sqlvec index package shares the same database file.
package sqlite

// Schema contains the DDL for the relational tables.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    session_id TEXT,
    content_type TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_user ON events (user_id);

CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL REFERENCES events(id),
    user_id TEXT NOT NULL,
    seq INTEGER NOT NULL DEFAULT 0,
    content TEXT NOT NULL,
    importance REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    orphaned INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks (status);
CREATE INDEX IF NOT EXISTS idx_chunks_user_orphaned ON chunks (user_id, orphaned);

CREATE TABLE IF NOT EXISTS episodes (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    summary TEXT,
    centroid BLOB,
    tags TEXT,
    status TEXT NOT NULL DEFAULT 'open',
    chunk_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_episodes_user_status ON episodes (user_id, status);

CREATE TABLE IF NOT EXISTS thoughts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_thoughts_user ON thoughts (user_id);

CREATE TABLE IF NOT EXISTS chunk_episode_links (
    chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
    episode_id TEXT NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
    similarity REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (chunk_id, episode_id)
);

CREATE INDEX IF NOT EXISTS idx_cel_episode ON chunk_episode_links (episode_id);

CREATE TABLE IF NOT EXISTS episode_thought_links (
    episode_id TEXT NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
    thought_id TEXT NOT NULL REFERENCES thoughts(id) ON DELETE CASCADE,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (episode_id, thought_id)
);

CREATE INDEX IF NOT EXISTS idx_etl_thought ON episode_thought_links (thought_id);
`
