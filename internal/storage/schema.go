package storage

// The layout below is the durable contract of the gateway. seq is unique
// per conversation, (conv_id, msg_id) is the idempotency index, cursors
// only move forward, sessions tombstone instead of deleting.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	conv_id       TEXT PRIMARY KEY,
	kind          INTEGER NOT NULL,
	home          TEXT NOT NULL,
	creator       TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conv_members (
	conv_id   TEXT NOT NULL REFERENCES conversations(conv_id) ON DELETE CASCADE,
	device_id TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	role      INTEGER NOT NULL DEFAULT 1,
	added_ms  INTEGER NOT NULL,
	PRIMARY KEY (conv_id, device_id)
);
CREATE INDEX IF NOT EXISTS idx_members_device ON conv_members(device_id);

CREATE TABLE IF NOT EXISTS conv_seq (
	conv_id  TEXT PRIMARY KEY REFERENCES conversations(conv_id) ON DELETE CASCADE,
	next_seq INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS conv_events (
	conv_id        TEXT NOT NULL REFERENCES conversations(conv_id) ON DELETE CASCADE,
	seq            INTEGER NOT NULL,
	msg_id         TEXT NOT NULL,
	env            BLOB NOT NULL,
	ts_ms          INTEGER NOT NULL,
	origin_gateway TEXT NOT NULL,
	PRIMARY KEY (conv_id, seq),
	UNIQUE (conv_id, msg_id)
);

CREATE TABLE IF NOT EXISTS cursors (
	device_id     TEXT NOT NULL,
	conv_id       TEXT NOT NULL,
	next_seq      INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (device_id, conv_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	session_token TEXT PRIMARY KEY,
	resume_token  TEXT NOT NULL UNIQUE,
	device_id     TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	expires_at_ms INTEGER NOT NULL,
	revoked_at_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS keypackages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id     TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	blob          BLOB NOT NULL,
	content_hash  TEXT NOT NULL,
	served        INTEGER NOT NULL DEFAULT 0,
	revoked       INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	UNIQUE (device_id, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_kp_pool ON keypackages(user_id, served, revoked);

CREATE TABLE IF NOT EXISTS presence_leases (
	device_id       TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	status          TEXT NOT NULL,
	invisible       INTEGER NOT NULL DEFAULT 0,
	expires_at_ms   INTEGER NOT NULL,
	last_renewed_ms INTEGER NOT NULL,
	offline_emitted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_presence_user ON presence_leases(user_id);
CREATE INDEX IF NOT EXISTS idx_presence_expiry ON presence_leases(expires_at_ms);

CREATE TABLE IF NOT EXISTS watchlists (
	watcher_id    TEXT NOT NULL,
	target_id     TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (watcher_id, target_id)
);
CREATE INDEX IF NOT EXISTS idx_watch_target ON watchlists(target_id);

CREATE TABLE IF NOT EXISTS presence_allow (
	user_id    TEXT NOT NULL,
	allowed_id TEXT NOT NULL,
	PRIMARY KEY (user_id, allowed_id)
);

CREATE TABLE IF NOT EXISTS blocklists (
	blocker_id    TEXT NOT NULL,
	blocked_id    TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (blocker_id, blocked_id)
);
`
