package testutil

import (
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// testDBSeq distinguishes the shared in-memory databases handed out by
// NewTestDB so each call gets its own isolated database.
var testDBSeq atomic.Int64

// NewTestDB creates an in-memory SQLite database with the full schema.
// The caller closes the returned handle.
func NewTestDB() (*sql.DB, error) {
	// A plain ":memory:" DSN gives every pooled connection its own empty
	// database; a named shared-cache DSN keeps the schema visible across
	// all connections of this handle.
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initializeSchema creates all required tables for testing. Kept in lockstep
// with internal/db/migrations.
func initializeSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	statements := []string{
		`CREATE TABLE scans (
			id TEXT PRIMARY KEY,
			remote_id INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL CHECK (source IN ('local', 'remote')),
			status TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			duration_seconds REAL NOT NULL DEFAULT 0,
			area_covered REAL NOT NULL DEFAULT 0,
			height REAL NOT NULL DEFAULT 0,
			data_size_mb REAL NOT NULL DEFAULT 0,
			image_count INTEGER NOT NULL DEFAULT 0,
			processed_model_path TEXT NOT NULL DEFAULT '',
			snapshot_path TEXT NOT NULL DEFAULT '',
			raw_folder_path TEXT NOT NULL DEFAULT '',
			last_error_kind TEXT NOT NULL DEFAULT '',
			last_error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_scans_status ON scans(status)`,
		`CREATE INDEX idx_scans_source ON scans(source)`,
		`CREATE INDEX idx_scans_remote_id ON scans(remote_id)`,
		`CREATE TABLE gps_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			accuracy REAL NOT NULL DEFAULT 0,
			recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_gps_points_scan ON gps_points(scan_id)`,
		`CREATE TABLE events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSON NOT NULL,
			event_version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_events_aggregate ON events(aggregate_type, aggregate_id)`,
		`CREATE INDEX idx_events_type ON events(event_type)`,
		`CREATE INDEX idx_events_created ON events(created_at)`,
		`CREATE TABLE settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
