package subscription

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()

	f, err := os.CreateTemp("", "subscription-test-*.db")
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
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("creating subscription schema: %v", err)
	}

	return NewSQLiteStore(db)
}

func strPtr(s string) *string { return &s }

func TestCommandSubscription_LastWriterWins(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SubscribeCommands(ctx, "dev-1", "sess-a"); err != nil {
		t.Fatalf("SubscribeCommands: %v", err)
	}
	// A second session subscribing to the same device silently displaces the
	// first.
	if err := store.SubscribeCommands(ctx, "dev-1", "sess-b"); err != nil {
		t.Fatalf("SubscribeCommands (displace): %v", err)
	}

	got, err := store.CommandSubscriber(ctx, "dev-1")
	if err != nil {
		t.Fatalf("CommandSubscriber: %v", err)
	}
	if got != "sess-b" {
		t.Errorf("subscriber = %q, want sess-b", got)
	}
}

func TestCommandSubscription_Unsubscribe(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SubscribeCommands(ctx, "dev-1", "sess-a"); err != nil {
		t.Fatalf("SubscribeCommands: %v", err)
	}
	if err := store.UnsubscribeCommands(ctx, "dev-1", "sess-a"); err != nil {
		t.Fatalf("UnsubscribeCommands: %v", err)
	}

	got, err := store.CommandSubscriber(ctx, "dev-1")
	if err != nil {
		t.Fatalf("CommandSubscriber: %v", err)
	}
	if got != "" {
		t.Errorf("subscriber = %q, want empty", got)
	}

	if err := store.UnsubscribeCommands(ctx, "dev-1", "sess-a"); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("double unsubscribe err = %v, want ErrNotSubscribed", err)
	}
}

func TestCommandSubscription_DisplacedSessionCannotUnsubscribe(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SubscribeCommands(ctx, "dev-1", "sess-a"); err != nil {
		t.Fatalf("SubscribeCommands sess-a: %v", err)
	}
	if err := store.SubscribeCommands(ctx, "dev-1", "sess-b"); err != nil {
		t.Fatalf("SubscribeCommands sess-b: %v", err)
	}

	// sess-a no longer holds the row; its unsubscribe must not touch
	// sess-b's live subscription.
	if err := store.UnsubscribeCommands(ctx, "dev-1", "sess-a"); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("displaced unsubscribe err = %v, want ErrNotSubscribed", err)
	}

	got, err := store.CommandSubscriber(ctx, "dev-1")
	if err != nil {
		t.Fatalf("CommandSubscriber: %v", err)
	}
	if got != "sess-b" {
		t.Errorf("subscriber = %q, want sess-b", got)
	}
}

func TestCommandUpdateSubscription(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SubscribeCommandUpdates(ctx, 42, "sess-a"); err != nil {
		t.Fatalf("SubscribeCommandUpdates: %v", err)
	}

	got, err := store.CommandUpdateSubscriber(ctx, 42)
	if err != nil {
		t.Fatalf("CommandUpdateSubscriber: %v", err)
	}
	if got != "sess-a" {
		t.Errorf("subscriber = %q, want sess-a", got)
	}

	if err := store.RemoveCommandUpdate(ctx, 42); err != nil {
		t.Fatalf("RemoveCommandUpdate: %v", err)
	}
	got, err = store.CommandUpdateSubscriber(ctx, 42)
	if err != nil {
		t.Fatalf("CommandUpdateSubscriber after remove: %v", err)
	}
	if got != "" {
		t.Errorf("subscriber = %q, want empty", got)
	}

	// Removing an absent subscription is a no-op.
	if err := store.RemoveCommandUpdate(ctx, 42); err != nil {
		t.Errorf("RemoveCommandUpdate (absent): %v", err)
	}
}

func TestNotificationSubscribers_Dedup(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// sess-a: per-device. sess-b: wildcard. sess-c: both.
	if err := store.SubscribeNotifications(ctx, "sess-a", strPtr("dev-1")); err != nil {
		t.Fatalf("subscribe sess-a: %v", err)
	}
	if err := store.SubscribeNotifications(ctx, "sess-b", nil); err != nil {
		t.Fatalf("subscribe sess-b: %v", err)
	}
	if err := store.SubscribeNotifications(ctx, "sess-c", strPtr("dev-1")); err != nil {
		t.Fatalf("subscribe sess-c device: %v", err)
	}
	if err := store.SubscribeNotifications(ctx, "sess-c", nil); err != nil {
		t.Fatalf("subscribe sess-c wildcard: %v", err)
	}
	// Unrelated device sub must not appear.
	if err := store.SubscribeNotifications(ctx, "sess-d", strPtr("dev-other")); err != nil {
		t.Fatalf("subscribe sess-d: %v", err)
	}

	subs, err := store.NotificationSubscribers(ctx, "dev-1")
	if err != nil {
		t.Fatalf("NotificationSubscribers: %v", err)
	}

	want := map[string]bool{"sess-a": false, "sess-b": true, "sess-c": false}
	if len(subs) != len(want) {
		t.Fatalf("got %d subscribers %v, want %d", len(subs), subs, len(want))
	}
	for _, sub := range subs {
		wildcard, ok := want[sub.SessionID]
		if !ok {
			t.Errorf("unexpected subscriber %q", sub.SessionID)
			continue
		}
		if sub.Wildcard != wildcard {
			t.Errorf("%s wildcard = %v, want %v", sub.SessionID, sub.Wildcard, wildcard)
		}
	}
}

func TestSubscribeNotifications_DuplicateIsNoop(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SubscribeNotifications(ctx, "sess-a", strPtr("dev-1")); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := store.SubscribeNotifications(ctx, "sess-a", strPtr("dev-1")); err != nil {
		t.Fatalf("duplicate subscribe: %v", err)
	}
	if err := store.SubscribeNotifications(ctx, "sess-a", nil); err != nil {
		t.Fatalf("first wildcard: %v", err)
	}
	if err := store.SubscribeNotifications(ctx, "sess-a", nil); err != nil {
		t.Fatalf("duplicate wildcard: %v", err)
	}

	subs, err := store.NotificationSubscribers(ctx, "dev-1")
	if err != nil {
		t.Fatalf("NotificationSubscribers: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("got %d subscribers %v, want 1", len(subs), subs)
	}
}

func TestUnsubscribeNotifications(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SubscribeNotifications(ctx, "sess-a", strPtr("dev-1")); err != nil {
		t.Fatalf("subscribe device: %v", err)
	}
	if err := store.SubscribeNotifications(ctx, "sess-a", nil); err != nil {
		t.Fatalf("subscribe wildcard: %v", err)
	}

	// Removing the device row leaves the wildcard in place.
	if err := store.UnsubscribeNotifications(ctx, "sess-a", strPtr("dev-1")); err != nil {
		t.Fatalf("unsubscribe device: %v", err)
	}
	subs, err := store.NotificationSubscribers(ctx, "dev-1")
	if err != nil {
		t.Fatalf("NotificationSubscribers: %v", err)
	}
	if len(subs) != 1 || !subs[0].Wildcard {
		t.Errorf("subs = %v, want single wildcard", subs)
	}

	if err := store.UnsubscribeNotifications(ctx, "sess-a", nil); err != nil {
		t.Fatalf("unsubscribe wildcard: %v", err)
	}
	if err := store.UnsubscribeNotifications(ctx, "sess-a", nil); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("double unsubscribe err = %v, want ErrNotSubscribed", err)
	}
}

func TestDeleteCommandsBySession(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SubscribeCommands(ctx, "dev-1", "sess-a"); err != nil {
		t.Fatalf("SubscribeCommands dev-1: %v", err)
	}
	if err := store.SubscribeCommands(ctx, "dev-2", "sess-a"); err != nil {
		t.Fatalf("SubscribeCommands dev-2: %v", err)
	}
	if err := store.SubscribeCommands(ctx, "dev-3", "sess-b"); err != nil {
		t.Fatalf("SubscribeCommands dev-3: %v", err)
	}

	if err := store.DeleteCommandsBySession(ctx, "sess-a"); err != nil {
		t.Fatalf("DeleteCommandsBySession: %v", err)
	}

	for _, guid := range []string{"dev-1", "dev-2"} {
		got, err := store.CommandSubscriber(ctx, guid)
		if err != nil {
			t.Fatalf("CommandSubscriber %s: %v", guid, err)
		}
		if got != "" {
			t.Errorf("%s subscriber = %q, want empty", guid, got)
		}
	}

	// Other sessions are untouched.
	got, err := store.CommandSubscriber(ctx, "dev-3")
	if err != nil {
		t.Fatalf("CommandSubscriber dev-3: %v", err)
	}
	if got != "sess-b" {
		t.Errorf("dev-3 subscriber = %q, want sess-b", got)
	}
}

func TestDeleteBySession_CascadesAllClasses(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SubscribeCommands(ctx, "dev-1", "sess-a"); err != nil {
		t.Fatalf("SubscribeCommands: %v", err)
	}
	if err := store.SubscribeCommandUpdates(ctx, 7, "sess-a"); err != nil {
		t.Fatalf("SubscribeCommandUpdates: %v", err)
	}
	if err := store.SubscribeNotifications(ctx, "sess-a", nil); err != nil {
		t.Fatalf("SubscribeNotifications: %v", err)
	}

	if err := store.DeleteBySession(ctx, "sess-a"); err != nil {
		t.Fatalf("DeleteBySession: %v", err)
	}

	if got, _ := store.CommandSubscriber(ctx, "dev-1"); got != "" {
		t.Errorf("command subscriber = %q, want empty", got)
	}
	if got, _ := store.CommandUpdateSubscriber(ctx, 7); got != "" {
		t.Errorf("command update subscriber = %q, want empty", got)
	}
	subs, err := store.NotificationSubscribers(ctx, "dev-1")
	if err != nil {
		t.Fatalf("NotificationSubscribers: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("notification subscribers = %v, want none", subs)
	}

	// Cascading the same session again deletes nothing and raises no error.
	if err := store.DeleteBySession(ctx, "sess-a"); err != nil {
		t.Fatalf("repeat DeleteBySession: %v", err)
	}
}
