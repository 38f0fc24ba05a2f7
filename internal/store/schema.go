package store

// schemaVersionV1 is the current data model.
const schemaVersionV1 = 1

// schemaV1 DDL. Output schemas and checkpoint state are stored as JSON
// blobs; the engine owns their shape.
var schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS configurations (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	key           TEXT NOT NULL UNIQUE,
	model         TEXT NOT NULL,
	temperature   REAL NOT NULL DEFAULT 0,
	max_tokens    INTEGER NOT NULL DEFAULT 0,
	prompt_id     TEXT,
	output_type   TEXT,
	output_schema TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt_id  TEXT NOT NULL UNIQUE,
	template   TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL UNIQUE,
	kind       TEXT NOT NULL,
	base_key   TEXT,
	status     TEXT NOT NULL DEFAULT 'running',
	best_score REAL,
	started_at TEXT NOT NULL,
	ended_at   TEXT
);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`
