package sqlite

const schema = `
-- Projects table
CREATE TABLE IF NOT EXISTS projects (
    project_id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    local_path TEXT NOT NULL DEFAULT '',
    remote_repo TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Agent sessions table. pid may be rewritten after a detached worker
-- spawn so the stale sweep probes the live process.
CREATE TABLE IF NOT EXISTS agents (
    session_id TEXT PRIMARY KEY,
    agent_name TEXT NOT NULL,
    project TEXT NOT NULL DEFAULT '',
    work TEXT NOT NULL DEFAULT '',
    parent_id TEXT NOT NULL DEFAULT '',
    pid INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active'
        CHECK(status IN ('active', 'idle', 'completed', 'stale')),
    last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(agent_name);
CREATE INDEX IF NOT EXISTS idx_agents_last_seen ON agents(last_seen_at);

-- Work items table
CREATE TABLE IF NOT EXISTS work_items (
    item_id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL CHECK(length(title) <= 500),
    description TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT 'P2' CHECK(priority IN ('P1', 'P2', 'P3')),
    status TEXT NOT NULL DEFAULT 'available'
        CHECK(status IN ('available', 'claimed', 'completed', 'failed')),
    source TEXT NOT NULL DEFAULT '',
    source_ref TEXT NOT NULL DEFAULT '',
    claimed_by TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    metadata TEXT NOT NULL DEFAULT '{}',
    -- claimed items always name their claimant
    CHECK (status != 'claimed' OR claimed_by IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_items_status ON work_items(status);
CREATE INDEX IF NOT EXISTS idx_items_priority ON work_items(priority);
CREATE INDEX IF NOT EXISTS idx_items_project ON work_items(project_id);
CREATE INDEX IF NOT EXISTS idx_items_claimed_by ON work_items(claimed_by);
CREATE INDEX IF NOT EXISTS idx_items_source ON work_items(source);
CREATE INDEX IF NOT EXISTS idx_items_created_at ON work_items(created_at);

-- Events table (append-only). event_type is an open string: producers add
-- new types without a migration. Indexed, not enum-constrained.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    event_type TEXT NOT NULL,
    actor_id TEXT NOT NULL DEFAULT '',
    target_id TEXT NOT NULL DEFAULT '',
    target_type TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_target ON events(target_id);

-- Shadow full-text index over events, content-synced by triggers.
CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
    summary,
    metadata,
    content='events',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS events_fts_insert AFTER INSERT ON events BEGIN
    INSERT INTO events_fts(rowid, summary, metadata)
    VALUES (new.id, new.summary, new.metadata);
END;

CREATE TRIGGER IF NOT EXISTS events_fts_delete AFTER DELETE ON events BEGIN
    INSERT INTO events_fts(events_fts, rowid, summary, metadata)
    VALUES ('delete', old.id, old.summary, old.metadata);
END;

-- Heartbeats table
CREATE TABLE IF NOT EXISTS heartbeats (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    session_id TEXT NOT NULL,
    progress TEXT NOT NULL DEFAULT '',
    work_item_id TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (session_id) REFERENCES agents(session_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_heartbeats_session ON heartbeats(session_id, timestamp);

-- SpecFlow features table
CREATE TABLE IF NOT EXISTS specflow_features (
    feature_id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    phase TEXT NOT NULL DEFAULT 'queued',
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'active', 'succeeded', 'blocked', 'failed')),
    current_session TEXT NOT NULL DEFAULT '',
    worktree_path TEXT NOT NULL DEFAULT '',
    branch_name TEXT NOT NULL DEFAULT '',
    main_branch TEXT NOT NULL DEFAULT 'main',
    failure_count INTEGER NOT NULL DEFAULT 0,
    max_failures INTEGER NOT NULL DEFAULT 3,
    last_error TEXT NOT NULL DEFAULT '',
    phase_started_at DATETIME,
    specify_score REAL NOT NULL DEFAULT 0,
    plan_score REAL NOT NULL DEFAULT 0,
    implement_score REAL NOT NULL DEFAULT 0,
    pr_number INTEGER NOT NULL DEFAULT 0,
    pr_url TEXT NOT NULL DEFAULT '',
    commit_sha TEXT NOT NULL DEFAULT '',
    source_issue_ref TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_features_project ON specflow_features(project_id);
CREATE INDEX IF NOT EXISTS idx_features_status ON specflow_features(status);
CREATE INDEX IF NOT EXISTS idx_features_phase ON specflow_features(phase);

-- Metadata table (for storing internal state like schema versions)
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
