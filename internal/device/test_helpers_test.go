package device

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the device schema applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "device-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schemaSQL := `
		CREATE TABLE networks (
			id TEXT PRIMARY KEY,
			key TEXT,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE devices (
			guid TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT,
			network_id TEXT REFERENCES networks(id) ON DELETE SET NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("creating device schema: %v", err)
	}

	return db
}

// mustSaveDevice saves a device, failing the test on error.
func mustSaveDevice(t *testing.T, repo Repository, d *Device) {
	t.Helper()
	if err := repo.Save(context.Background(), d); err != nil {
		t.Fatalf("saving device %q: %v", d.GUID, err)
	}
}

// mustCreateNetwork creates a network, failing the test on error.
func mustCreateNetwork(t *testing.T, repo NetworkRepository, name, key string) *Network {
	t.Helper()
	n := &Network{Name: name, Key: key}
	if err := repo.Create(context.Background(), n); err != nil {
		t.Fatalf("creating network %q: %v", name, err)
	}
	return n
}
