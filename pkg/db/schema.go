package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS monitor_rules (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    trigger_type TEXT NOT NULL,
    trigger_config TEXT NOT NULL,
    action_type TEXT NOT NULL,
    action_config TEXT NOT NULL,
    instrument_token TEXT,
    fire_count INTEGER NOT NULL DEFAULT 0,
    max_fires INTEGER NOT NULL DEFAULT 1,
    expires_at DATETIME,
    fired_at DATETIME,
    source_order_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_monitor_rules_user ON monitor_rules(user_id);
CREATE INDEX IF NOT EXISTS idx_monitor_rules_enabled ON monitor_rules(enabled);

CREATE TABLE IF NOT EXISTS rule_fires (
    id TEXT PRIMARY KEY,
    rule_id TEXT NOT NULL,
    order_id TEXT,
    price REAL,
    fired_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_tokens (
    user_id TEXT PRIMARY KEY,
    token_encrypted TEXT NOT NULL,
    key_version INTEGER NOT NULL DEFAULT 1,
    expires_at DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_credentials (
    user_id TEXT PRIMARY KEY,
    mobile TEXT NOT NULL,
    pin_encrypted TEXT NOT NULL,
    totp_secret_encrypted TEXT NOT NULL,
    key_version INTEGER NOT NULL DEFAULT 1,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations creates tables and indexes if they do not exist.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
