package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row or blob does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite database connection holding the reference catalog,
// the position record log and the blob table.
type DB struct {
	*sql.DB
	loc    *time.Location // agency time zone used to derive local minute/weekday
	logger *slog.Logger
}

// Open creates or opens a SQLite database at the given path and applies migrations.
func Open(path string, loc *time.Location, logger *slog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Verify connection
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if loc == nil {
		loc = time.UTC
	}
	db := &DB{DB: sqlDB, loc: loc, logger: logger}

	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.Info("database opened", "path", path, "timezone", loc.String())
	return db, nil
}

// Location returns the time zone local minutes and weekdays are derived in.
func (db *DB) Location() *time.Location {
	return db.loc
}
