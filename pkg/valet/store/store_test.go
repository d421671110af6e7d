package store

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesSchema(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "valet.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	version, err := s.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if version != 1 {
		t.Errorf("schema version = %d, want 1", version)
	}

	for _, table := range []string{"messages", "agents", "triggers", "bridge_cursors"} {
		var count int
		err := s.DB.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&count)
		if err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s missing from schema", table)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if err := s.Migrate(); err != nil {
			t.Fatalf("Migrate run %d: %v", i, err)
		}
	}

	version, err := s.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if version != 1 {
		t.Errorf("schema version after repeated migrations = %d, want 1", version)
	}
}

func TestOpenReusesExistingDatabase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "valet.db")

	s1, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s1.DB.Exec(
		`INSERT INTO messages (user_id, id, role, body, status, created_at)
		 VALUES ('u1', 1, 'user', 'hello', 'delivered', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	s1.Close()

	s2, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	var body string
	if err := s2.DB.QueryRow("SELECT body FROM messages WHERE user_id = 'u1' AND id = 1").Scan(&body); err != nil {
		t.Fatalf("select after reopen: %v", err)
	}
	if body != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
}
