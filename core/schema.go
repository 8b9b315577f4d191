package core

// schema.go – table definitions. Infrastructure tables are owned by the
// pipeline; projection tables are owned by their event type and contributed
// through the registry.

import "fmt"

// infraSchema holds the pipeline-owned tables. Projection tables are
// appended from each event type's Schema at init.
const infraSchema = `
CREATE TABLE IF NOT EXISTS events (
    event_id      TEXT NOT NULL UNIQUE,
    event_type    TEXT NOT NULL,
    network_id    TEXT NOT NULL,
    signer        TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    payload_blob  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_network ON events(network_id, created_at_ms);

CREATE TABLE IF NOT EXISTS incoming (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    blob          BLOB NOT NULL,
    origin_ip     TEXT NOT NULL DEFAULT '',
    origin_port   INTEGER NOT NULL DEFAULT 0,
    created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outgoing (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    recipient     TEXT NOT NULL,
    blob          BLOB NOT NULL,
    sent          INTEGER NOT NULL DEFAULT 0,
    retry_count   INTEGER NOT NULL DEFAULT 0,
    next_retry    INTEGER NOT NULL DEFAULT 0,
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outgoing_due ON outgoing(sent, next_retry);

CREATE TABLE IF NOT EXISTS blocked (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    reason_type   TEXT NOT NULL,
    reason_key    TEXT NOT NULL,
    envelope      BLOB NOT NULL,
    event_id      TEXT NOT NULL UNIQUE,
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blocked_reason ON blocked(reason_type, reason_key, id);

CREATE TABLE IF NOT EXISTS recheck_queue (
    partition_key   TEXT PRIMARY KEY,
    reason_type     TEXT NOT NULL,
    available_at_ms INTEGER NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS leases (
    lease         TEXT PRIMARY KEY,
    owner         TEXT NOT NULL,
    expires_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS job_runs (
    job_name    TEXT PRIMARY KEY,
    last_run_ms INTEGER NOT NULL,
    run_count   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS unknown_events (
    event_id      TEXT NOT NULL,
    event_type    TEXT NOT NULL,
    reason        TEXT NOT NULL,
    payload_blob  BLOB NOT NULL,
    created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS identity_keys (
    identity_id  TEXT PRIMARY KEY,
    sign_privkey BLOB NOT NULL,
    seal_privkey BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS transit_keys (
    key_id        TEXT PRIMARY KEY,
    secret        BLOB NOT NULL,
    peer_pubkey   TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(infraSchema); err != nil {
		return fmt.Errorf("init infra schema: %w", err)
	}
	for _, et := range eventTypes() {
		if et.Schema == "" {
			continue
		}
		if _, err := s.db.Exec(et.Schema); err != nil {
			return fmt.Errorf("init %s schema: %w", et.Name, err)
		}
	}
	return nil
}
