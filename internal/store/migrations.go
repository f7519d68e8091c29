package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
// Timestamps are stored as unix microseconds.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create messages",
		SQL: `
			CREATE TABLE messages (
				id                  TEXT PRIMARY KEY,
				conversation_id     TEXT NOT NULL,
				sender_id           TEXT NOT NULL,
				receiver_id         TEXT NOT NULL,
				type                TEXT NOT NULL,
				content             TEXT,
				attachment_ref      TEXT,
				reply_to_message_id TEXT REFERENCES messages(id),
				created_at          INTEGER NOT NULL
			);

			CREATE INDEX idx_messages_conversation ON messages (conversation_id, created_at, id);
		`,
	},
	{
		Version: 2,
		Name:    "create reactions",
		SQL: `
			CREATE TABLE reactions (
				message_id  TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
				user_id     TEXT NOT NULL,
				kind        TEXT NOT NULL,
				created_at  INTEGER NOT NULL,
				PRIMARY KEY (message_id, user_id)
			);
		`,
	},
	{
		Version: 3,
		Name:    "create call sessions",
		SQL: `
			CREATE TABLE call_sessions (
				id               TEXT PRIMARY KEY,
				initiator_id     TEXT NOT NULL,
				participant_ids  TEXT NOT NULL,
				kind             TEXT NOT NULL,
				topology         TEXT NOT NULL,
				status           TEXT NOT NULL,
				end_reason       TEXT NOT NULL DEFAULT '',
				started_at       INTEGER NOT NULL,
				answered_at      INTEGER,
				ended_at         INTEGER,
				duration_seconds INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_call_sessions_started ON call_sessions (started_at);

			CREATE TABLE call_participants (
				session_id  TEXT NOT NULL REFERENCES call_sessions(id) ON DELETE CASCADE,
				user_id     TEXT NOT NULL,
				PRIMARY KEY (session_id, user_id)
			);

			CREATE INDEX idx_call_participants_user ON call_participants (user_id, session_id);
		`,
	},
}
