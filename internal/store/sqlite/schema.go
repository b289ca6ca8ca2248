package sqlite

// Schema creates the tables used by SQLiteStore. Timestamps are unix
// nanoseconds so ordering survives round trips without driver parsing.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	id           TEXT PRIMARY KEY,
	chat_id      TEXT NOT NULL,
	group_id     TEXT NOT NULL DEFAULT '',
	initiator_id TEXT NOT NULL,
	participants TEXT NOT NULL DEFAULT '[]',
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	ended_at     INTEGER,
	offer        TEXT,
	answer       TEXT,
	version      INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_call_sessions_chat ON call_sessions(chat_id, status, started_at DESC);

CREATE TABLE IF NOT EXISTS call_candidates (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id    TEXT NOT NULL,
	direction  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	candidate  TEXT NOT NULL,
	FOREIGN KEY (call_id) REFERENCES call_sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_call_candidates_stream ON call_candidates(call_id, direction, id);
`
