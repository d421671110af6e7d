package store

// Schema returns the full SQLite schema for valet.db.
// All statements are idempotent (IF NOT EXISTS) so Migrate can re-run safely.
func Schema() string {
	return schemaSQL
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Conversation log: append-only, ids are per-user monotonic.
CREATE TABLE IF NOT EXISTS messages (
    user_id       TEXT    NOT NULL,
    id            INTEGER NOT NULL,
    role          TEXT    NOT NULL,
    agent_id      TEXT,
    body          TEXT    NOT NULL,
    status        TEXT    NOT NULL DEFAULT 'pending',
    client_msg_id TEXT,
    ref_id        INTEGER,
    created_at    TEXT    NOT NULL,
    PRIMARY KEY (user_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_status
    ON messages (user_id, status);

-- Bridge idempotency: one row per client-generated message id.
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
    ON messages (user_id, client_msg_id)
    WHERE client_msg_id IS NOT NULL;

-- Execution agent instances. Terminal states are final; a new delegation
-- creates a new row.
CREATE TABLE IF NOT EXISTS agents (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    name           TEXT NOT NULL,
    task           TEXT NOT NULL,
    state          TEXT NOT NULL,
    result         TEXT,
    reason         TEXT,
    created_at     TEXT NOT NULL,
    last_active_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_user
    ON agents (user_id, state);

-- Durable triggers (reminders, recurring checks, condition polls).
CREATE TABLE IF NOT EXISTS triggers (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    kind          TEXT NOT NULL,
    fire_at       TEXT,
    schedule      TEXT,
    next_check_at TEXT,
    payload       TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'active',
    agent_id      TEXT,
    failures      INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL,
    fired_at      TEXT
);

CREATE INDEX IF NOT EXISTS idx_triggers_due
    ON triggers (status, next_check_at);

-- Last acknowledged outbound message id per (bridge, user).
CREATE TABLE IF NOT EXISTS bridge_cursors (
    bridge     TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    cursor     INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (bridge, user_id)
);
`
