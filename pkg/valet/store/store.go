// Package store opens and migrates the central Valet SQLite database
// (valet.db). Every durable subsystem (conversation log, agent pool,
// trigger scheduler, bridge cursors) shares this single database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout_ms"`
}

// Store wraps the shared SQLite connection.
type Store struct {
	DB     *sql.DB
	Config Config
}

// Open opens or creates the database at cfg.Path and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/valet.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{DB: db, Config: cfg}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a private in-memory database. Used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// A single connection keeps the in-memory database alive and serializes
	// writers the same way the file-backed WAL database does.
	db.SetMaxOpenConns(1)

	s := &Store{DB: db, Config: Config{Path: ":memory:"}}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// CurrentVersion returns the applied schema version (0 when fresh).
func (s *Store) CurrentVersion() (int, error) {
	var exists int
	err := s.DB.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'").Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}
	var version int
	if err := s.DB.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// Migrate applies the schema. Idempotent via IF NOT EXISTS.
func (s *Store) Migrate() error {
	current, err := s.CurrentVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if _, err := s.DB.Exec(Schema()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if current == 0 {
		if _, err := s.DB.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			if !isDuplicateKeyError(err) {
				return fmt.Errorf("record migration: %w", err)
			}
		}
	}
	return nil
}

// Ping verifies connectivity. Used by the gateway health endpoint.
func (s *Store) Ping() error {
	return s.DB.Ping()
}

func isDuplicateKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
