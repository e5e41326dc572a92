package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL,
	received_at  INTEGER NOT NULL,
	body         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);

CREATE TABLE IF NOT EXISTS rules (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	body        TEXT NOT NULL,
	stats       TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_name ON rules(name COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS chains (
	id    TEXT PRIMARY KEY,
	body  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	rule_id     TEXT NOT NULL,
	event_id    TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_rule ON executions(rule_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_executions_event ON executions(event_id);

CREATE TABLE IF NOT EXISTS action_results (
	execution_id  TEXT NOT NULL REFERENCES executions(id),
	seq           INTEGER NOT NULL,
	body          TEXT NOT NULL,
	PRIMARY KEY (execution_id, seq)
);

CREATE TABLE IF NOT EXISTS escalations (
	id          TEXT PRIMARY KEY,
	rule_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	level       INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status, rule_id);
`
