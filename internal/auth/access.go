package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// NetworkAccessRepository defines the interface for user network grant persistence.
// Grants decide which device networks a client account may observe; wildcard
// notification subscribers are checked against these grants at delivery time.
type NetworkAccessRepository interface {
	Grant(ctx context.Context, userID, networkID string) error
	Revoke(ctx context.Context, userID, networkID string) error
	ListNetworkIDs(ctx context.Context, userID string) ([]string, error)
	HasNetworkAccess(ctx context.Context, user *User, networkID string) (bool, error)
}

// SQLiteNetworkAccessRepository implements NetworkAccessRepository using SQLite.
type SQLiteNetworkAccessRepository struct {
	db *sql.DB
}

// NewNetworkAccessRepository creates a new SQLite-backed network access repository.
func NewNetworkAccessRepository(db *sql.DB) *SQLiteNetworkAccessRepository {
	return &SQLiteNetworkAccessRepository{db: db}
}

// Grant gives a user access to a network. Granting twice is a no-op.
func (r *SQLiteNetworkAccessRepository) Grant(ctx context.Context, userID, networkID string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO user_networks (user_id, network_id) VALUES (?, ?)",
		userID, networkID)
	if err != nil {
		return fmt.Errorf("granting network access: %w", err)
	}
	return nil
}

// Revoke removes a user's access to a network. Revoking a missing grant is a no-op.
func (r *SQLiteNetworkAccessRepository) Revoke(ctx context.Context, userID, networkID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM user_networks WHERE user_id = ? AND network_id = ?",
		userID, networkID)
	if err != nil {
		return fmt.Errorf("revoking network access: %w", err)
	}
	return nil
}

// ListNetworkIDs returns all network IDs the user has been granted.
func (r *SQLiteNetworkAccessRepository) ListNetworkIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT network_id FROM user_networks WHERE user_id = ? ORDER BY network_id", userID)
	if err != nil {
		return nil, fmt.Errorf("listing network grants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning network grant: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating network grants: %w", err)
	}
	return ids, nil
}

// HasNetworkAccess reports whether the user may observe devices on the network.
// Administrators bypass network scoping. A nil user or empty network never passes.
func (r *SQLiteNetworkAccessRepository) HasNetworkAccess(ctx context.Context, user *User, networkID string) (bool, error) {
	if user == nil || networkID == "" {
		return false, nil
	}
	if user.IsAdmin() {
		return true, nil
	}

	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_networks WHERE user_id = ? AND network_id = ?",
		user.ID, networkID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking network access: %w", err)
	}
	return count > 0, nil
}
