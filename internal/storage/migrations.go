package storage

import "fmt"

// migrate creates the schema if it doesn't exist.
func (db *DB) migrate() error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	db.logger.Info("database migrations applied")
	return nil
}

var migrations = []string{
	// Routes (reference catalog)
	`CREATE TABLE IF NOT EXISTS routes (
		route_id         TEXT PRIMARY KEY,
		route_short_name TEXT,
		route_long_name  TEXT,
		route_type       INTEGER NOT NULL DEFAULT 3
	)`,

	// Stops (reference catalog)
	`CREATE TABLE IF NOT EXISTS stops (
		stop_id   TEXT PRIMARY KEY,
		stop_name TEXT NOT NULL DEFAULT '',
		stop_lat  REAL NOT NULL DEFAULT 0,
		stop_lon  REAL NOT NULL DEFAULT 0
	)`,

	// Which stops a route serves, per direction. Derived from trips + stop_times.
	`CREATE TABLE IF NOT EXISTS route_stops (
		route_id  TEXT NOT NULL,
		direction TEXT NOT NULL,
		stop_id   TEXT NOT NULL,
		PRIMARY KEY (route_id, direction, stop_id)
	)`,

	// Append-only log of observed arrivals. local_minute and local_weekday are
	// derived from scheduled_time in the agency time zone at insert.
	`CREATE TABLE IF NOT EXISTS position_records (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		route_id       TEXT NOT NULL,
		direction      TEXT NOT NULL,
		stop_id        TEXT NOT NULL,
		scheduled_time INTEGER NOT NULL,
		observed_time  INTEGER NOT NULL,
		recorded_at    INTEGER NOT NULL,
		delay_min      REAL NOT NULL,
		local_minute   INTEGER NOT NULL,
		local_weekday  INTEGER NOT NULL,
		UNIQUE (route_id, direction, stop_id, scheduled_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_cell ON position_records(route_id, direction, stop_id, local_weekday, local_minute)`,
	`CREATE INDEX IF NOT EXISTS idx_records_bucket ON position_records(local_weekday, local_minute)`,
	`CREATE INDEX IF NOT EXISTS idx_records_recorded ON position_records(recorded_at)`,

	// Object blobs for the sqlite-backed bucket.
	`CREATE TABLE IF NOT EXISTS blobs (
		bucket     TEXT NOT NULL,
		key        TEXT NOT NULL,
		data       BLOB NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now')),
		PRIMARY KEY (bucket, key)
	)`,

	// Feed metadata (last_modified, etag, imported_at, etc.)
	`CREATE TABLE IF NOT EXISTS feed_metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}
