// Package postgres provides the PostgreSQL implementation of the storage
// interfaces. Vector search lives in the pgvec index package; these tables
// only hold relational state.
package postgres

// Schema contains the DDL for the relational tables. Applied idempotently
// at startup.
const Schema = `
-- Raw events: immutable inbound text, one row per message or fragment
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    session_id TEXT,
    content_type TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_user ON events (user_id);

-- Chunks: importance-filtered fragments with pipeline status
CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL REFERENCES events(id),
    user_id TEXT NOT NULL,
    seq INTEGER NOT NULL DEFAULT 0,
    content TEXT NOT NULL,
    importance REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    orphaned BOOLEAN NOT NULL DEFAULT FALSE,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks (status);
CREATE INDEX IF NOT EXISTS idx_chunks_orphaned ON chunks (user_id, orphaned) WHERE orphaned;

-- Episodes: clustered narratives with a centroid over member chunks
CREATE TABLE IF NOT EXISTS episodes (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    summary TEXT,
    centroid BYTEA,
    tags JSONB,
    status TEXT NOT NULL DEFAULT 'open',
    chunk_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_episodes_user_status ON episodes (user_id, status);
CREATE INDEX IF NOT EXISTS idx_episodes_user_updated ON episodes (user_id, updated_at);

-- Thoughts: cross-episode abstractions
CREATE TABLE IF NOT EXISTS thoughts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_thoughts_user ON thoughts (user_id);

-- Link tables: pure relationship records, cascade with their endpoints
CREATE TABLE IF NOT EXISTS chunk_episode_links (
    chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
    episode_id TEXT NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
    similarity REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (chunk_id, episode_id)
);

CREATE INDEX IF NOT EXISTS idx_cel_episode ON chunk_episode_links (episode_id);

CREATE TABLE IF NOT EXISTS episode_thought_links (
    episode_id TEXT NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
    thought_id TEXT NOT NULL REFERENCES thoughts(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (episode_id, thought_id)
);

CREATE INDEX IF NOT EXISTS idx_etl_thought ON episode_thought_links (thought_id);
`
