// ABOUTME: Database schema definitions and migrations
// ABOUTME: Handles SQLite table creation and initialization
package db

import (
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenant_credentials (
	tenant TEXT PRIMARY KEY,
	access_token_enc BLOB NOT NULL,
	refresh_token_enc BLOB NOT NULL,
	expires_at DATETIME NOT NULL,
	sync_enabled INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS mapping_rules (
	id TEXT PRIMARY KEY,
	local_field TEXT NOT NULL,
	remote_property TEXT NOT NULL,
	direction TEXT NOT NULL CHECK(direction IN ('site_to_portal', 'portal_to_site', 'both')),
	transform TEXT NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	position INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(local_field, remote_property)
);

CREATE INDEX IF NOT EXISTS idx_mapping_rules_position ON mapping_rules(position);

CREATE TABLE IF NOT EXISTS contact_mappings (
	id TEXT PRIMARY KEY,
	local_id TEXT NOT NULL UNIQUE,
	remote_id TEXT NOT NULL UNIQUE,
	last_sync_source TEXT NOT NULL CHECK(last_sync_source IN ('site', 'portal', 'manual')),
	last_synced_at DATETIME NOT NULL,
	last_known_hash TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_events (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	action TEXT,
	status TEXT NOT NULL CHECK(status IN ('success', 'failed', 'skipped')),
	local_id TEXT,
	remote_id TEXT,
	skip_reason TEXT,
	error_kind TEXT,
	error_text TEXT,
	fields TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_events_status ON sync_events(status);
CREATE INDEX IF NOT EXISTS idx_sync_events_created ON sync_events(created_at DESC);
`

func InitSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
