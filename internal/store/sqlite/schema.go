package sqlite

// schemaSQL is the single source of the SQLite schema; tests load it through GetSchemaSQL.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS counters (
	counter_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS ticket_sequences (
	issue_day TEXT PRIMARY KEY,
	next_number INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tickets (
	ticket_id TEXT PRIMARY KEY,
	request_id TEXT UNIQUE,
	queue_number INTEGER NOT NULL,
	issue_day TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('WAITING', 'CLAIMED', 'CALLED', 'SERVED', 'SKIPPED', 'RELEASED')),
	counter_id TEXT REFERENCES counters (counter_id),
	created_at TIMESTAMP NOT NULL,
	called_at TIMESTAMP,
	finished_at TIMESTAMP,
	UNIQUE (issue_day, queue_number),
	CHECK ((counter_id IS NULL) = (status IN ('WAITING', 'RELEASED')))
);

CREATE INDEX IF NOT EXISTS tickets_waiting_idx
	ON tickets (issue_day, queue_number)
	WHERE status = 'WAITING';

CREATE UNIQUE INDEX IF NOT EXISTS tickets_counter_active_idx
	ON tickets (counter_id)
	WHERE status IN ('CLAIMED', 'CALLED');

CREATE TABLE IF NOT EXISTS ticket_action_requests (
	request_id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	counter_id TEXT,
	ticket_id TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS outbox_events (
	event_id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	published_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS ticket_events (
	ticket_id TEXT NOT NULL,
	ticket_seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (ticket_id, ticket_seq)
);
`

// GetSchemaSQL returns the schema applied by Open.
func GetSchemaSQL() string {
	return schemaSQL
}
