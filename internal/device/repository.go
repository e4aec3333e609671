package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByGUID retrieves a device by its guid.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByGUID(ctx context.Context, guid string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// ListByNetwork retrieves all devices attached to a network.
	ListByNetwork(ctx context.Context, networkID string) ([]Device, error)

	// Save inserts a new device or updates an existing one (upsert keyed by guid).
	Save(ctx context.Context, device *Device) error

	// Delete removes a device by guid.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, guid string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByGUID retrieves a device by its guid.
func (r *SQLiteRepository) GetByGUID(ctx context.Context, guid string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT guid, key, name, status, network_id, created_at, updated_at
		 FROM devices WHERE guid = ?`, guid)

	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by guid: %w", err)
	}
	return d, nil
}

// List retrieves all devices ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx,
		`SELECT guid, key, name, status, network_id, created_at, updated_at
		 FROM devices ORDER BY name`)
}

// ListByNetwork retrieves all devices attached to a network.
func (r *SQLiteRepository) ListByNetwork(ctx context.Context, networkID string) ([]Device, error) {
	return r.queryDevices(ctx,
		`SELECT guid, key, name, status, network_id, created_at, updated_at
		 FROM devices WHERE network_id = ? ORDER BY name`, networkID)
}

// Save inserts or updates a device. The device row is keyed by guid so a
// re-registering device replaces its previous record (key, name, status,
// network attachment).
func (r *SQLiteRepository) Save(ctx context.Context, device *Device) error {
	if err := device.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (guid, key, name, status, network_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(guid) DO UPDATE SET
			key = excluded.key,
			name = excluded.name,
			status = excluded.status,
			network_id = excluded.network_id,
			updated_at = excluded.updated_at`,
		device.GUID, device.Key, device.Name, nullString(device.Status),
		nullStringPtr(device.NetworkID),
		device.CreatedAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving device: %w", err)
	}
	return nil
}

// Delete removes a device by guid.
func (r *SQLiteRepository) Delete(ctx context.Context, guid string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE guid = ?", guid)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// queryDevices executes a query returning multiple device rows.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// rowScanner is an interface over sql.Row and sql.Rows Scan methods.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a device row.
func scanDevice(s rowScanner) (*Device, error) {
	var d Device
	var status, networkID sql.NullString
	var createdAt, updatedAt string

	if err := s.Scan(&d.GUID, &d.Key, &d.Name, &status, &networkID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if status.Valid {
		d.Status = status.String
	}
	if networkID.Valid {
		id := networkID.String
		d.NetworkID = &id
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled

	return &d, nil
}

// Helpers shared by the device and network repositories.

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
