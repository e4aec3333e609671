// Package subscription persists routing subscriptions: which session receives
// a device's commands, which session receives a command's acknowledgement, and
// which sessions receive a device's notifications.
//
// Command subscriptions are last-writer-wins: a device guid maps to at most
// one session, and a re-subscribe silently displaces the previous holder.
// Notification subscriptions fan out; a NULL device guid row is a wildcard
// covering every device the subscriber's networks allow.
package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotSubscribed is returned when removing a subscription that does not exist.
var ErrNotSubscribed = errors.New("subscription: not subscribed")

// NotificationSubscriber is one recipient of a device's notifications.
// Wildcard subscribers were not asked for this particular device, so their
// network access must be checked before delivery.
type NotificationSubscriber struct {
	SessionID string
	Wildcard  bool
}

// Store defines the interface for subscription persistence.
type Store interface {
	// SubscribeCommands routes a device's commands to a session,
	// displacing any previous subscriber for that device.
	SubscribeCommands(ctx context.Context, deviceGUID, sessionID string) error

	// UnsubscribeCommands removes the command subscription a session
	// holds for a device. A session that has already been displaced by
	// a later subscriber matches no row and cannot disturb it.
	UnsubscribeCommands(ctx context.Context, deviceGUID, sessionID string) error

	// CommandSubscriber returns the session subscribed to a device's
	// commands, or "" when no subscription exists.
	CommandSubscriber(ctx context.Context, deviceGUID string) (string, error)

	// SubscribeCommandUpdates routes a command's acknowledgement to a session.
	SubscribeCommandUpdates(ctx context.Context, commandID int64, sessionID string) error

	// CommandUpdateSubscriber returns the session awaiting a command's
	// acknowledgement, or "" when none is registered.
	CommandUpdateSubscriber(ctx context.Context, commandID int64) (string, error)

	// RemoveCommandUpdate drops a command-update subscription once the
	// acknowledgement has been handed to its session.
	RemoveCommandUpdate(ctx context.Context, commandID int64) error

	// SubscribeNotifications adds a notification subscription for a session.
	// A nil deviceGUID subscribes to all accessible devices.
	SubscribeNotifications(ctx context.Context, sessionID string, deviceGUID *string) error

	// UnsubscribeNotifications removes a notification subscription.
	UnsubscribeNotifications(ctx context.Context, sessionID string, deviceGUID *string) error

	// NotificationSubscribers returns the sessions subscribed to a device's
	// notifications: per-device rows plus wildcard rows, deduplicated with
	// per-device subscriptions taking precedence.
	NotificationSubscribers(ctx context.Context, deviceGUID string) ([]NotificationSubscriber, error)

	// DeleteCommandsBySession removes the command subscriptions held by a
	// session. Used when a device session closes.
	DeleteCommandsBySession(ctx context.Context, sessionID string) error

	// DeleteBySession removes every subscription held by a session:
	// command, command-update and notification rows. Used when a client
	// session closes.
	DeleteBySession(ctx context.Context, sessionID string) error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed subscription store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SubscribeCommands routes a device's commands to a session.
func (s *SQLiteStore) SubscribeCommands(ctx context.Context, deviceGUID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_subscriptions (device_guid, session_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(device_guid) DO UPDATE SET
			session_id = excluded.session_id,
			created_at = excluded.created_at`,
		deviceGUID, sessionID, now())
	if err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	return nil
}

// UnsubscribeCommands removes the command subscription a session holds for a
// device. The delete is scoped by both columns so a displaced session cannot
// tear down the current subscriber's row.
func (s *SQLiteStore) UnsubscribeCommands(ctx context.Context, deviceGUID, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM command_subscriptions WHERE device_guid = ? AND session_id = ?",
		deviceGUID, sessionID)
	if err != nil {
		return fmt.Errorf("unsubscribing from commands: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 { //nolint:errcheck // always succeeds on SQLite
		return ErrNotSubscribed
	}
	return nil
}

// CommandSubscriber returns the session subscribed to a device's commands.
func (s *SQLiteStore) CommandSubscriber(ctx context.Context, deviceGUID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		"SELECT session_id FROM command_subscriptions WHERE device_guid = ?",
		deviceGUID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying command subscriber: %w", err)
	}
	return sessionID, nil
}

// SubscribeCommandUpdates routes a command's acknowledgement to a session.
func (s *SQLiteStore) SubscribeCommandUpdates(ctx context.Context, commandID int64, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_update_subscriptions (command_id, session_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(command_id) DO UPDATE SET
			session_id = excluded.session_id,
			created_at = excluded.created_at`,
		commandID, sessionID, now())
	if err != nil {
		return fmt.Errorf("subscribing to command updates: %w", err)
	}
	return nil
}

// CommandUpdateSubscriber returns the session awaiting a command's acknowledgement.
func (s *SQLiteStore) CommandUpdateSubscriber(ctx context.Context, commandID int64) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		"SELECT session_id FROM command_update_subscriptions WHERE command_id = ?",
		commandID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying command update subscriber: %w", err)
	}
	return sessionID, nil
}

// RemoveCommandUpdate drops a command-update subscription.
func (s *SQLiteStore) RemoveCommandUpdate(ctx context.Context, commandID int64) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM command_update_subscriptions WHERE command_id = ?", commandID); err != nil {
		return fmt.Errorf("removing command update subscription: %w", err)
	}
	return nil
}

// SubscribeNotifications adds a notification subscription for a session.
func (s *SQLiteStore) SubscribeNotifications(ctx context.Context, sessionID string, deviceGUID *string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_subscriptions (device_guid, session_id, created_at)
		 VALUES (?, ?, ?)`,
		nullGUID(deviceGUID), sessionID, now())
	if err != nil {
		// Duplicate subscribe is a no-op.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil
		}
		return fmt.Errorf("subscribing to notifications: %w", err)
	}
	return nil
}

// UnsubscribeNotifications removes a notification subscription.
func (s *SQLiteStore) UnsubscribeNotifications(ctx context.Context, sessionID string, deviceGUID *string) error {
	var result sql.Result
	var err error
	if deviceGUID == nil {
		result, err = s.db.ExecContext(ctx,
			"DELETE FROM notification_subscriptions WHERE session_id = ? AND device_guid IS NULL",
			sessionID)
	} else {
		result, err = s.db.ExecContext(ctx,
			"DELETE FROM notification_subscriptions WHERE session_id = ? AND device_guid = ?",
			sessionID, *deviceGUID)
	}
	if err != nil {
		return fmt.Errorf("unsubscribing from notifications: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 { //nolint:errcheck // always succeeds on SQLite
		return ErrNotSubscribed
	}
	return nil
}

// NotificationSubscribers returns the sessions subscribed to a device's
// notifications, deduplicated. A session holding both a per-device and a
// wildcard subscription is reported once, as a per-device subscriber, so its
// delivery skips the wildcard access check.
func (s *SQLiteStore) NotificationSubscribers(ctx context.Context, deviceGUID string) ([]NotificationSubscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, MIN(device_guid IS NULL) AS wildcard
		 FROM notification_subscriptions
		 WHERE device_guid = ? OR device_guid IS NULL
		 GROUP BY session_id
		 ORDER BY session_id`, deviceGUID)
	if err != nil {
		return nil, fmt.Errorf("querying notification subscribers: %w", err)
	}
	defer rows.Close()

	var subs []NotificationSubscriber
	for rows.Next() {
		var sub NotificationSubscriber
		var wildcard int
		if err := rows.Scan(&sub.SessionID, &wildcard); err != nil {
			return nil, fmt.Errorf("scanning notification subscriber: %w", err)
		}
		sub.Wildcard = wildcard == 1
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification subscribers: %w", err)
	}
	return subs, nil
}

// DeleteCommandsBySession removes the command subscriptions held by a session.
func (s *SQLiteStore) DeleteCommandsBySession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM command_subscriptions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("deleting command subscriptions: %w", err)
	}
	return nil
}

// DeleteBySession removes every subscription held by a session.
func (s *SQLiteStore) DeleteBySession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cascade delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range []string{
		"DELETE FROM command_subscriptions WHERE session_id = ?",
		"DELETE FROM command_update_subscriptions WHERE session_id = ?",
		"DELETE FROM notification_subscriptions WHERE session_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return fmt.Errorf("deleting session subscriptions: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cascade delete: %w", err)
	}
	return nil
}

func nullGUID(guid *string) sql.NullString {
	if guid == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *guid, Valid: true}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
