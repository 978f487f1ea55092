// Package store persists bulk campaigns, delivery jobs and pending inbound
// messages in SQLite. Progress counters are updated with in-database
// increments and conditional updates so they stay consistent under
// concurrent workers and across process crashes.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// Store wraps the shared SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	template      TEXT NOT NULL,
	status        TEXT NOT NULL,
	total         INTEGER NOT NULL,
	sent          INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	pending       INTEGER NOT NULL,
	created_at    TEXT NOT NULL,
	started_at    TEXT,
	completed_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_campaigns_tenant ON campaigns(tenant_id);

CREATE TABLE IF NOT EXISTS delivery_jobs (
	id               TEXT PRIMARY KEY,
	campaign_id      TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	contact_id       TEXT NOT NULL,
	phone            TEXT NOT NULL,
	rendered_message TEXT NOT NULL,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	scheduled_at     TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_campaign ON delivery_jobs(campaign_id);

CREATE TABLE IF NOT EXISTS pending_messages (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id            TEXT NOT NULL,
	phone                TEXT NOT NULL,
	body                 TEXT NOT NULL,
	transport_message_id TEXT NOT NULL DEFAULT '',
	received_at          TEXT NOT NULL,
	attempts             INTEGER NOT NULL DEFAULT 0,
	status               TEXT NOT NULL,
	last_error           TEXT NOT NULL DEFAULT '',
	processed_at         TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_tenant_status ON pending_messages(tenant_id, status);
`

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
