package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// MemoryDSN opens a private in-memory database (used by tests).
const MemoryDSN = ":memory:"

// Store is the append-only SQLite sink for observations.
type Store struct {
	db   *sql.DB
	path string
}

// DatabasePath returns the file a store named name lives in under dataDir.
func DatabasePath(dataDir, name string) string {
	if !strings.HasSuffix(name, ".db") {
		name += ".db"
	}
	return filepath.Join(dataDir, name)
}

// Open opens (or creates) the database file <dataDir>/<name>.db, creating
// dataDir if needed. Pass MemoryDSN as dataDir for an in-memory database.
// Open does not touch the schema; call EnsureSchema before inserting.
func Open(dataDir, name string) (*Store, error) {
	var dsn string
	if dataDir == MemoryDSN {
		dsn = MemoryDSN
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = DatabasePath(dataDir, name)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: an in-memory database is per-connection, and a single
	// writer never sees "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	return newStore(db, dsn), nil
}

func newStore(db *sql.DB, path string) *Store {
	return &Store{db: db, path: path}
}

// Path returns the database file path, or MemoryDSN.
func (s *Store) Path() string {
	return s.path
}

// EnsureSchema creates the observations table if it does not exist yet.
// Existing rows are never touched, so calling it repeatedly is safe.
func (s *Store) EnsureSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("creating observations table: %w", err)
	}
	return nil
}

// Insert appends one observation. The statement runs outside an explicit
// transaction, so the row is committed when Insert returns nil.
func (s *Store) Insert(ctx context.Context, o Observation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (screen_name, post_json, score_json) VALUES (?, ?, ?)`,
		o.ScreenName, o.PostJSON, o.ScoreJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting observation for %s: %w", o.ScreenName, err)
	}
	return nil
}

// Count returns the number of stored observations.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM observations").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting observations: %w", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
