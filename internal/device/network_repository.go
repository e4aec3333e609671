package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NetworkRepository defines the interface for network persistence.
type NetworkRepository interface {
	// GetByID retrieves a network by its ID.
	// Returns ErrNetworkNotFound if the network does not exist.
	GetByID(ctx context.Context, id string) (*Network, error)

	// GetByName retrieves a network by its unique name.
	GetByName(ctx context.Context, name string) (*Network, error)

	// List retrieves all networks.
	List(ctx context.Context) ([]Network, error)

	// Create inserts a new network. The ID is generated if empty.
	Create(ctx context.Context, network *Network) error

	// GetOrCreate resolves a network by name, creating it when absent.
	// When the network exists and both keys are non-empty they must match,
	// otherwise ErrNetworkKeyMismatch is returned.
	GetOrCreate(ctx context.Context, name, key string) (*Network, error)

	// Delete removes a network by ID.
	Delete(ctx context.Context, id string) error
}

// SQLiteNetworkRepository implements NetworkRepository using SQLite.
type SQLiteNetworkRepository struct {
	db *sql.DB
}

// NewNetworkRepository creates a new SQLite-backed network repository.
func NewNetworkRepository(db *sql.DB) *SQLiteNetworkRepository {
	return &SQLiteNetworkRepository{db: db}
}

// GetByID retrieves a network by its ID.
func (r *SQLiteNetworkRepository) GetByID(ctx context.Context, id string) (*Network, error) {
	return r.getNetwork(ctx,
		"SELECT id, key, name, description, created_at FROM networks WHERE id = ?", id)
}

// GetByName retrieves a network by its unique name.
func (r *SQLiteNetworkRepository) GetByName(ctx context.Context, name string) (*Network, error) {
	return r.getNetwork(ctx,
		"SELECT id, key, name, description, created_at FROM networks WHERE name = ?", name)
}

// List retrieves all networks ordered by name.
func (r *SQLiteNetworkRepository) List(ctx context.Context) ([]Network, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, key, name, description, created_at FROM networks ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing networks: %w", err)
	}
	defer rows.Close()

	var networks []Network
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning network: %w", err)
		}
		networks = append(networks, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating networks: %w", err)
	}
	return networks, nil
}

// Create inserts a new network. The ID is generated if empty.
func (r *SQLiteNetworkRepository) Create(ctx context.Context, network *Network) error {
	if network.ID == "" {
		network.ID = "net-" + uuid.NewString()[:8]
	}
	network.CreatedAt = time.Now().UTC().Truncate(time.Second)

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO networks (id, key, name, description, created_at) VALUES (?, ?, ?, ?, ?)",
		network.ID, nullString(network.Key), network.Name,
		nullString(network.Description), network.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("network %q: %w", network.Name, ErrNetworkExists)
		}
		return fmt.Errorf("creating network: %w", err)
	}
	return nil
}

// GetOrCreate resolves a network by name, creating it when absent.
func (r *SQLiteNetworkRepository) GetOrCreate(ctx context.Context, name, key string) (*Network, error) {
	existing, err := r.GetByName(ctx, name)
	if err == nil {
		if existing.Key != "" && key != "" && existing.Key != key {
			return nil, ErrNetworkKeyMismatch
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNetworkNotFound) {
		return nil, err
	}

	n := &Network{Name: name, Key: key}
	if err := r.Create(ctx, n); err != nil {
		// Lost a create race: re-read the winner's row.
		if errors.Is(err, ErrNetworkExists) {
			return r.GetByName(ctx, name)
		}
		return nil, err
	}
	return n, nil
}

// Delete removes a network by ID.
func (r *SQLiteNetworkRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM networks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting network: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNetworkNotFound
	}
	return nil
}

func (r *SQLiteNetworkRepository) getNetwork(ctx context.Context, query string, args ...any) (*Network, error) {
	n, err := scanNetwork(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("querying network: %w", err)
	}
	return n, nil
}

// scanNetwork scans a network row.
func scanNetwork(s rowScanner) (*Network, error) {
	var n Network
	var key, description sql.NullString
	var createdAt string

	if err := s.Scan(&n.ID, &key, &n.Name, &description, &createdAt); err != nil {
		return nil, err
	}

	if key.Valid {
		n.Key = key.String
	}
	if description.Valid {
		n.Description = description.String
	}
	n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &n, nil
}
