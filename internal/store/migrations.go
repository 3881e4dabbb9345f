package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL UNIQUE,
	last_uid INTEGER NOT NULL DEFAULT 0,
	last_seen DATETIME
);

CREATE TABLE IF NOT EXISTS message (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	mailbox        TEXT NOT NULL,
	uid            INTEGER NOT NULL,
	message_id     TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	from_raw       TEXT NOT NULL DEFAULT '',
	from_name      TEXT NOT NULL DEFAULT '',
	from_email     TEXT NOT NULL DEFAULT '',
	date_iso       TEXT NOT NULL DEFAULT '',
	snippet        TEXT NOT NULL DEFAULT '',
	body_preview   TEXT NOT NULL DEFAULT '',
	body_hash      TEXT NOT NULL DEFAULT '',
	is_unread      INTEGER NOT NULL DEFAULT 1,
	is_answered    INTEGER NOT NULL DEFAULT 0,
	is_flagged     INTEGER NOT NULL DEFAULT 0,
	in_reply_to    TEXT NOT NULL DEFAULT '',
	references_raw TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (mailbox, uid)
);

CREATE INDEX IF NOT EXISTS idx_message_mailbox ON message(mailbox);
CREATE INDEX IF NOT EXISTS idx_message_date ON message(date_iso);

CREATE TABLE IF NOT EXISTS message_body (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL UNIQUE REFERENCES message(id),
	body_full  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_analysis (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id   INTEGER NOT NULL UNIQUE REFERENCES message(id),
	body_hash    TEXT NOT NULL,
	summary_json TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS label (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	name   TEXT NOT NULL UNIQUE,
	color  TEXT NOT NULL DEFAULT '',
	weight INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS message_label (
	message_id INTEGER NOT NULL REFERENCES message(id) ON DELETE CASCADE,
	label_id   INTEGER NOT NULL REFERENCES label(id) ON DELETE CASCADE,
	PRIMARY KEY (message_id, label_id)
);

CREATE INDEX IF NOT EXISTS idx_message_label_label ON message_label(label_id);

CREATE TABLE IF NOT EXISTS memory_item (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	weight     INTEGER NOT NULL DEFAULT 0,
	expires_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (kind, key)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE VIRTUAL TABLE IF NOT EXISTS message_fts USING fts5(
	subject,
	from_raw,
	snippet,
	body_preview,
	content=message,
	content_rowid=id
);

CREATE TRIGGER IF NOT EXISTS message_ai AFTER INSERT ON message BEGIN
	INSERT INTO message_fts(rowid, subject, from_raw, snippet, body_preview)
	VALUES (new.id, new.subject, new.from_raw, new.snippet, new.body_preview);
END;

CREATE TRIGGER IF NOT EXISTS message_ad AFTER DELETE ON message BEGIN
	INSERT INTO message_fts(message_fts, rowid, subject, from_raw, snippet, body_preview)
	VALUES ('delete', old.id, old.subject, old.from_raw, old.snippet, old.body_preview);
END;

CREATE TRIGGER IF NOT EXISTS message_au AFTER UPDATE ON message BEGIN
	INSERT INTO message_fts(message_fts, rowid, subject, from_raw, snippet, body_preview)
	VALUES ('delete', old.id, old.subject, old.from_raw, old.snippet, old.body_preview);
	INSERT INTO message_fts(rowid, subject, from_raw, snippet, body_preview)
	VALUES (new.id, new.subject, new.from_raw, new.snippet, new.body_preview);
END;

INSERT INTO message_fts(message_fts) VALUES ('rebuild');

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
