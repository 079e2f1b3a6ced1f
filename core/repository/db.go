// Package repository persists the fleet's operational history (events and
// job dispatches) to Postgres. The orchestrator runs without a database;
// every caller treats a nil repository as "history disabled".
package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// DB wraps the database handle shared by the repositories.
type DB struct {
	*sql.DB
}

// NewDB opens and pings a Postgres connection.
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db}, nil
}

// EnsureSchema creates the history tables if they do not exist.
func (db *DB) EnsureSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS fleet_events (
			id BIGSERIAL PRIMARY KEY,
			phone_id TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL DEFAULT now(),
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			meta_json TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS fleet_events_phone_at ON fleet_events (phone_id, at DESC)`,
		`CREATE TABLE IF NOT EXISTS job_dispatches (
			id BIGSERIAL PRIMARY KEY,
			job_id UUID NOT NULL,
			tree TEXT NOT NULL,
			revision TEXT NOT NULL,
			build_id TEXT NOT NULL,
			build_type TEXT NOT NULL,
			version TEXT NOT NULL,
			workers INTEGER NOT NULL,
			at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
