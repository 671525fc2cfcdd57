package ledger

// Schema creates the three independently upsertable tables the presence
// ledger owns. Each is addressed by its natural key; edges carry a composite
// primary key so concurrent writers resolve by upsert instead of locking.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
	id                    TEXT PRIMARY KEY,
	owner_id              TEXT NOT NULL,
	type                  TEXT NOT NULL,
	visibility            TEXT NOT NULL DEFAULT 'private',
	storage_count         INTEGER NOT NULL DEFAULT 0,
	storage_locations     TEXT NOT NULL DEFAULT '[]',
	storage_duration_secs INTEGER,
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL,
	deleted_at            TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner_id);

CREATE TABLE IF NOT EXISTS memory_assets (
	id                TEXT PRIMARY KEY,
	memory_id         TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	asset_type        TEXT NOT NULL,
	backend           TEXT NOT NULL,
	storage_key       TEXT NOT NULL,
	url               TEXT NOT NULL DEFAULT '',
	bytes             INTEGER NOT NULL CHECK (bytes > 0),
	width             INTEGER,
	height            INTEGER,
	mime_type         TEXT NOT NULL,
	content_hash      TEXT,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	processing_error  TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	UNIQUE (memory_id, asset_type)
);

CREATE TABLE IF NOT EXISTS storage_edges (
	memory_id      TEXT NOT NULL,
	memory_type    TEXT NOT NULL,
	artifact       TEXT NOT NULL,
	backend        TEXT NOT NULL,
	present        INTEGER NOT NULL DEFAULT 0,
	location       TEXT NOT NULL DEFAULT '',
	content_hash   TEXT,
	size_bytes     INTEGER NOT NULL DEFAULT 0,
	sync_state     TEXT NOT NULL DEFAULT 'idle',
	sync_error     TEXT NOT NULL DEFAULT '',
	last_synced_at TIMESTAMP,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (memory_id, memory_type, artifact, backend)
);

CREATE INDEX IF NOT EXISTS idx_edges_sync_state ON storage_edges(sync_state);
`
