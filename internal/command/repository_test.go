package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "command-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schemaSQL := `
		CREATE TABLE device_commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_guid TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			command TEXT NOT NULL,
			parameters TEXT,
			lifecycle TEXT,
			status TEXT,
			result TEXT,
			user_id TEXT,
			session_id TEXT,
			entity_version INTEGER NOT NULL DEFAULT 0
		);
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("creating command schema: %v", err)
	}

	return db
}

func strPtr(s string) *string { return &s }

func TestInsertAndGet(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	ctx := context.Background()

	cmd := &DeviceCommand{
		DeviceGUID: "dev-1",
		Command:    "switch",
		Parameters: json.RawMessage(`{"state":"on"}`),
		UserID:     "usr-1",
		SessionID:  "sess-1",
	}
	if err := repo.Insert(ctx, cmd); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if cmd.ID == 0 {
		t.Fatal("ID not populated")
	}
	if cmd.Timestamp.IsZero() {
		t.Fatal("timestamp not populated")
	}
	if cmd.Lifecycle != LifecycleReceived {
		t.Errorf("lifecycle = %q, want %q", cmd.Lifecycle, LifecycleReceived)
	}

	got, err := repo.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Command != "switch" {
		t.Errorf("command = %q, want switch", got.Command)
	}
	if string(got.Parameters) != `{"state":"on"}` {
		t.Errorf("parameters = %s", got.Parameters)
	}
	if got.SessionID != "sess-1" || got.UserID != "usr-1" {
		t.Errorf("originator = %q/%q, want usr-1/sess-1", got.UserID, got.SessionID)
	}
	if got.EntityVersion != 0 {
		t.Errorf("entity version = %d, want 0", got.EntityVersion)
	}
}

func TestInsert_Invalid(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  *DeviceCommand
	}{
		{"empty command name", &DeviceCommand{DeviceGUID: "dev-1"}},
		{"empty device guid", &DeviceCommand{Command: "switch"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.Insert(ctx, tt.cmd); !errors.Is(err, ErrInvalidCommand) {
				t.Errorf("err = %v, want ErrInvalidCommand", err)
			}
		})
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))

	if _, err := repo.GetByID(context.Background(), 404); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("err = %v, want ErrCommandNotFound", err)
	}
}

func TestListByDevice(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"first", "second", "third"} {
		cmd := &DeviceCommand{
			DeviceGUID: "dev-1",
			Command:    name,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Insert(ctx, cmd); err != nil {
			t.Fatalf("Insert %q: %v", name, err)
		}
	}
	if err := repo.Insert(ctx, &DeviceCommand{DeviceGUID: "dev-other", Command: "noise", Timestamp: base}); err != nil {
		t.Fatalf("Insert noise: %v", err)
	}

	// Since the second command, only dev-1's rows.
	got, err := repo.ListByDevice(ctx, "dev-1", base.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("ListByDevice: %v", err)
	}
	if len(got) != 2 || got[0].Command != "second" || got[1].Command != "third" {
		t.Errorf("commands = %v", got)
	}

	// Limit caps oldest-first.
	got, err = repo.ListByDevice(ctx, "dev-1", base, 1)
	if err != nil {
		t.Fatalf("ListByDevice with limit: %v", err)
	}
	if len(got) != 1 || got[0].Command != "first" {
		t.Errorf("commands = %v, want [first]", got)
	}
}

func TestApplyUpdate(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	ctx := context.Background()

	cmd := &DeviceCommand{DeviceGUID: "dev-1", Command: "switch"}
	if err := repo.Insert(ctx, cmd); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := repo.ApplyUpdate(ctx, cmd.ID, &Update{
		Status: strPtr("Completed"),
		Result: json.RawMessage(`{"ok":true}`),
	})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if got.Status != "Completed" {
		t.Errorf("status = %q, want Completed", got.Status)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("result = %s", got.Result)
	}
	if got.Lifecycle != LifecycleUpdated {
		t.Errorf("lifecycle = %q, want %q", got.Lifecycle, LifecycleUpdated)
	}
	if got.EntityVersion != 1 {
		t.Errorf("entity version = %d, want 1", got.EntityVersion)
	}

	// The update is visible on re-read.
	reread, err := repo.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reread.Status != "Completed" || reread.EntityVersion != 1 {
		t.Errorf("reread = %+v", reread)
	}
}

func TestApplyUpdate_NotFound(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))

	_, err := repo.ApplyUpdate(context.Background(), 404, &Update{Status: strPtr("Done")})
	if !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("err = %v, want ErrCommandNotFound", err)
	}
}

func TestApplyUpdate_Conflict(t *testing.T) {
	db := testDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	cmd := &DeviceCommand{DeviceGUID: "dev-1", Command: "switch"}
	if err := repo.Insert(ctx, cmd); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Simulate a writer racing in after our read by bumping the version
	// behind the stale copy's back.
	stale, err := repo.GetByID(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if _, err := db.Exec("UPDATE device_commands SET entity_version = entity_version + 1 WHERE id = ?", stale.ID); err != nil {
		t.Fatalf("bumping version: %v", err)
	}

	if _, err := repo.writeUpdate(ctx, stale, &Update{Status: strPtr("stale")}); !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}

	// A fresh ApplyUpdate re-reads the current version and succeeds.
	if _, err := repo.ApplyUpdate(ctx, cmd.ID, &Update{Status: strPtr("Completed")}); err != nil {
		t.Errorf("fresh ApplyUpdate: %v", err)
	}
}
