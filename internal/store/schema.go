package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS provider_snapshots (
    id                   TEXT PRIMARY KEY,
    provider_id          TEXT NOT NULL,
    fetched_at_ms        INTEGER NOT NULL,
    day                  TEXT NOT NULL,
    status               TEXT NOT NULL,
    cost_to_date         REAL NOT NULL DEFAULT 0,
    token_count          INTEGER NOT NULL DEFAULT 0,
    credit_limit         REAL,
    credit_remaining     REAL,
    payload              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_rollups (
    day                  TEXT NOT NULL,
    provider_id          TEXT NOT NULL,
    total_cost           REAL NOT NULL DEFAULT 0,
    total_tokens         INTEGER NOT NULL DEFAULT 0,
    request_count        INTEGER NOT NULL DEFAULT 0,
    updated_at           TEXT NOT NULL,
    PRIMARY KEY (day, provider_id)
);

CREATE TABLE IF NOT EXISTS sessions (
    session_id           TEXT PRIMARY KEY,
    provider_id          TEXT NOT NULL,
    started_at_ms        INTEGER NOT NULL,
    ends_at_ms           INTEGER NOT NULL,
    event_count          INTEGER NOT NULL DEFAULT 0,
    total_tokens         INTEGER NOT NULL DEFAULT 0,
    total_cost           REAL NOT NULL DEFAULT 0,
    updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_models (
    session_id           TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    model                TEXT NOT NULL,
    requests             INTEGER,
    input_tokens         INTEGER,
    output_tokens        INTEGER,
    cache_write_tokens   INTEGER,
    cache_read_tokens    INTEGER,
    cost_usd             REAL,
    unpriced             INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, model)
);

CREATE TABLE IF NOT EXISTS usage_events (
    seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
    provider_id          TEXT NOT NULL,
    identity             TEXT,
    occurred_at_ms       INTEGER NOT NULL,
    day                  TEXT NOT NULL,
    model                TEXT NOT NULL,
    input_tokens         INTEGER NOT NULL DEFAULT 0,
    output_tokens        INTEGER NOT NULL DEFAULT 0,
    cache_write_tokens   INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens    INTEGER NOT NULL DEFAULT 0,
    cost_usd             REAL NOT NULL DEFAULT 0,
    cost_reported        INTEGER NOT NULL DEFAULT 0,
    unpriced             INTEGER NOT NULL DEFAULT 0,
    low_quality          INTEGER NOT NULL DEFAULT 0,
    revisable            INTEGER NOT NULL DEFAULT 0,
    session_id           TEXT
);

CREATE TABLE IF NOT EXISTS dedup_identities (
    identity             TEXT PRIMARY KEY,
    first_seen_ms        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS file_offsets (
    file_path            TEXT PRIMARY KEY,
    offset_bytes         INTEGER NOT NULL,
    size_bytes           INTEGER NOT NULL,
    mtime_ns             INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_provider ON provider_snapshots(provider_id, fetched_at_ms);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_identity ON usage_events(identity) WHERE identity IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_events_day ON usage_events(provider_id, day);
CREATE INDEX IF NOT EXISTS idx_events_session ON usage_events(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_provider ON sessions(provider_id, started_at_ms);
CREATE INDEX IF NOT EXISTS idx_dedup_seen ON dedup_identities(first_seen_ms);
`

// columnMigrations add columns that databases created by older builds lack.
var columnMigrations = []struct{ table, column, decl string }{
	{"usage_events", "revisable", "INTEGER NOT NULL DEFAULT 0"},
}
