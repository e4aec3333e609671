package ws

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/devicebay/devicebay-core/internal/auth"
	"github.com/devicebay/devicebay-core/internal/bus"
	"github.com/devicebay/devicebay-core/internal/command"
	"github.com/devicebay/devicebay-core/internal/device"
	"github.com/devicebay/devicebay-core/internal/notification"
	"github.com/devicebay/devicebay-core/internal/session"
	"github.com/devicebay/devicebay-core/internal/subscription"
)

const testJWTSecret = "test-jwt-secret-0123456789abcdef0123"

// fullSchema is the complete schema in one shot, mirroring the migrations.
const fullSchema = `
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

	CREATE TABLE devices (
		guid TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT,
		network_id TEXT REFERENCES networks(id) ON DELETE SET NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

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

	CREATE TABLE device_notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_guid TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		notification TEXT NOT NULL,
		parameters TEXT
	);

	CREATE TABLE command_subscriptions (
		device_guid TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE command_update_subscriptions (
		command_id INTEGER PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE notification_subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_guid TEXT,
		session_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX idx_notification_subs_unique
		ON notification_subscriptions(session_id, COALESCE(device_guid, '*'));
`

// fixture wires the full protocol stack over a temp SQLite database.
type fixture struct {
	db       *sql.DB
	sessions *session.Registry
	router   *bus.Router

	users         *auth.SQLiteUserRepository
	access        *auth.SQLiteNetworkAccessRepository
	devices       *device.SQLiteRepository
	networks      *device.SQLiteNetworkRepository
	commands      *command.SQLiteRepository
	notifications *notification.SQLiteRepository

	deviceDispatcher *Dispatcher
	clientDispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f, err := os.CreateTemp("", "ws-test-*.db")
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

	if _, err := db.Exec(fullSchema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	fx := &fixture{
		db:            db,
		sessions:      session.NewRegistry(),
		users:         auth.NewUserRepository(db),
		access:        auth.NewNetworkAccessRepository(db),
		devices:       device.NewSQLiteRepository(db),
		networks:      device.NewNetworkRepository(db),
		commands:      command.NewSQLiteRepository(db),
		notifications: notification.NewSQLiteRepository(db),
	}

	store := subscription.NewSQLiteStore(db)
	fx.router = bus.NewRouter(store, fx.sessions, fx.devices, fx.access, log)

	fx.deviceDispatcher = NewDispatcher(log)
	NewDeviceHandlers("1.0", fx.router, fx.devices, fx.networks, fx.commands,
		fx.notifications, log).Register(fx.deviceDispatcher)

	fx.clientDispatcher = NewDispatcher(log)
	NewClientHandlers("1.0", fx.router, fx.users, fx.access, fx.devices,
		fx.commands, testJWTSecret, log).Register(fx.clientDispatcher)

	return fx
}

// sink collects frames pushed to a session.
type sink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *sink) send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *sink) frame(t *testing.T, i int) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.frames) {
		t.Fatalf("frame %d not delivered, have %d", i, len(s.frames))
	}
	var m map[string]any
	if err := json.Unmarshal(s.frames[i], &m); err != nil {
		t.Fatalf("decoding frame %d: %v", i, err)
	}
	return m
}

func (fx *fixture) connect(kind session.Kind, out *sink) *session.Session {
	sess := session.New(kind, out.send)
	fx.sessions.Add(sess)
	return sess
}
