// Package notification holds device notification records and their
// persistence. Notifications are emitted by devices and fanned out to
// subscribed clients.
package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DeviceNotification is an event emitted by a device.
type DeviceNotification struct {
	ID         int64           `json:"id"`
	DeviceGUID string          `json:"deviceGuid"`
	Timestamp  time.Time       `json:"timestamp"`
	Name       string          `json:"notification"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Sentinel errors for the notification package.
var (
	// ErrNotificationNotFound is returned when a notification id does not exist.
	ErrNotificationNotFound = errors.New("notification: not found")

	// ErrInvalidNotification is returned when a notification fails validation.
	ErrInvalidNotification = errors.New("notification: invalid")
)

const maxNameLength = 128

// Validate checks a notification before insertion.
func (n *DeviceNotification) Validate() error {
	if n.Name == "" || len(n.Name) > maxNameLength {
		return ErrInvalidNotification
	}
	if n.DeviceGUID == "" {
		return ErrInvalidNotification
	}
	return nil
}

// Repository defines the interface for notification persistence operations.
type Repository interface {
	// Insert persists a new notification and populates its ID and timestamp.
	Insert(ctx context.Context, n *DeviceNotification) error

	// GetByID retrieves a notification by its id.
	GetByID(ctx context.Context, id int64) (*DeviceNotification, error)

	// ListByDevice retrieves notifications for a device emitted at or after
	// since, oldest first, capped at limit (0 means no cap).
	ListByDevice(ctx context.Context, deviceGUID string, since time.Time, limit int) ([]DeviceNotification, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed notification repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert persists a new notification and populates its ID and timestamp.
func (r *SQLiteRepository) Insert(ctx context.Context, n *DeviceNotification) error {
	if err := n.Validate(); err != nil {
		return err
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	var params sql.NullString
	if len(n.Parameters) > 0 {
		params = sql.NullString{String: string(n.Parameters), Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO device_notifications (device_guid, timestamp, notification, parameters)
		 VALUES (?, ?, ?, ?)`,
		n.DeviceGUID, n.Timestamp.Format(time.RFC3339Nano), n.Name, params)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}

	n.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading notification id: %w", err)
	}
	return nil
}

// GetByID retrieves a notification by its id.
func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*DeviceNotification, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, device_guid, timestamp, notification, parameters
		 FROM device_notifications WHERE id = ?`, id)

	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, fmt.Errorf("querying notification: %w", err)
	}
	return n, nil
}

// ListByDevice retrieves notifications for a device emitted at or after since.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceGUID string, since time.Time, limit int) ([]DeviceNotification, error) {
	query := `SELECT id, device_guid, timestamp, notification, parameters
		FROM device_notifications
		WHERE device_guid = ? AND timestamp >= ? ORDER BY timestamp, id`
	args := []any{deviceGUID, since.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close()

	var notifications []DeviceNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		notifications = append(notifications, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notifications: %w", err)
	}
	return notifications, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(s rowScanner) (*DeviceNotification, error) {
	var n DeviceNotification
	var timestamp string
	var parameters sql.NullString

	if err := s.Scan(&n.ID, &n.DeviceGUID, &timestamp, &n.Name, &parameters); err != nil {
		return nil, err
	}

	n.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp) //nolint:errcheck // format is controlled
	if parameters.Valid {
		n.Parameters = []byte(parameters.String)
	}
	return &n, nil
}
