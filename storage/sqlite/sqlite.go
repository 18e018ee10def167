// Package sqlite persists the event log and the permission request
// projection in a single SQLite database, for deployments that must survive
// a restart without replaying from an external broker.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens the database with foreign keys on and applies the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
CREATE TABLE IF NOT EXISTS events (
    aggregate_id TEXT    NOT NULL,
    version      INTEGER NOT NULL,
    event_type   TEXT    NOT NULL,
    occurred_at  TEXT    NOT NULL,
    data         TEXT,
    PRIMARY KEY (aggregate_id, version)
);

CREATE TABLE IF NOT EXISTS permission_requests (
    id                TEXT PRIMARY KEY,
    connector_id      TEXT NOT NULL,
    metering_point_id TEXT,
    conversation_id   TEXT,
    message_id        TEXT,
    consent_id        TEXT,
    status            TEXT NOT NULL,
    snapshot          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_conversation ON permission_requests (conversation_id);
CREATE INDEX IF NOT EXISTS idx_requests_consent      ON permission_requests (consent_id);
CREATE INDEX IF NOT EXISTS idx_requests_status       ON permission_requests (status);
`)
	return err
}
