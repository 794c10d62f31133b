// Package db provides the Audit Repository (spec §4.3): persistence for
// audits, their findings, screenshots and raw event log, backed by a local
// WAL-mode SQLite database.
//
// Writers are serialized per audit_id by the Runner (spec §5); readers never
// block writers because the database runs in write-ahead-log mode.
package db

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds database configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file, e.g.
	// "./data/veritas.db". Use ":memory:" for an ephemeral database (tests
	// only — WAL mode has no effect on in-memory databases).
	Path string

	// BusyTimeout bounds how long a writer waits for a lock held by another
	// writer before giving up (default 5s if zero).
	BusyTimeout time.Duration
}

// Database wraps the underlying connection pool.
type Database struct {
	db *sql.DB
}

// dbPathRegex guards against a configuration-supplied path containing NUL
// bytes or shell/SQL metacharacters; ordinary filesystem paths and their
// separators are allowed.
var dbPathRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-./:]+$`)

func validateConfig(config Config) error {
	if config.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if !dbPathRegex.MatchString(config.Path) {
		return fmt.Errorf("invalid database path: %s", config.Path)
	}
	return nil
}

// NewDatabase opens (creating if absent) the SQLite database at config.Path
// and puts it into WAL mode for concurrent-reader access during writes.
func NewDatabase(config Config) (*Database, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	busyTimeout := config.BusyTimeout
	if busyTimeout == 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on",
		config.Path, busyTimeout.Milliseconds())

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows only one writer at a time regardless of pool size; a
	// single connection avoids SQLITE_BUSY storms from Go's connection
	// pool fighting itself, while WAL mode still lets other processes
	// read concurrently.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: sqlDB}, nil
}

// NewDatabaseForTesting wraps an existing *sql.DB (e.g. from sqlmock) for
// dependency injection in tests. Not for production use.
func NewDatabaseForTesting(sqlDB *sql.DB) *Database {
	return &Database{db: sqlDB}
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sql.DB for callers that need direct access
// (migrations, ad-hoc diagnostics).
func (d *Database) DB() *sql.DB {
	return d.db
}

// SetDB swaps the underlying connection; used by tests that construct a
// Database value directly rather than via NewDatabase.
func (d *Database) SetDB(sqlDB *sql.DB) {
	d.db = sqlDB
}
