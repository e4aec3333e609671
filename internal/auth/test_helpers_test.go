package auth

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the auth schema applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "auth-test-*.db")
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
		CREATE TABLE users (
			id TEXT PRIMARY KEY,
			login TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'client',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE networks (
			id TEXT PRIMARY KEY,
			key TEXT,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE user_networks (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			network_id TEXT NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
			PRIMARY KEY (user_id, network_id)
		);
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("creating auth schema: %v", err)
	}

	return db
}

// mustCreateUser inserts a user for tests, failing the test on error.
func mustCreateUser(t *testing.T, repo UserRepository, login string, role Role) *User {
	t.Helper()

	u := &User{
		Login:        login,
		PasswordHash: "$argon2id$v=19$m=65536,t=3,p=1$dGVzdA$dGVzdA",
		Role:         role,
		Status:       StatusActive,
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("creating user %q: %v", login, err)
	}
	return u
}

// mustCreateNetwork inserts a network row for tests.
func mustCreateNetwork(t *testing.T, db *sql.DB, id, name string) {
	t.Helper()

	_, err := db.Exec(
		"INSERT INTO networks (id, name, created_at) VALUES (?, ?, ?)",
		id, name, "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("creating network %q: %v", id, err)
	}
}
