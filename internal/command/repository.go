package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for command persistence operations.
type Repository interface {
	// Insert persists a new command and populates its ID and timestamp.
	Insert(ctx context.Context, cmd *DeviceCommand) error

	// GetByID retrieves a command by its id.
	// Returns ErrCommandNotFound if the command does not exist.
	GetByID(ctx context.Context, id int64) (*DeviceCommand, error)

	// ListByDevice retrieves commands for a device issued at or after since,
	// oldest first, capped at limit (0 means no cap).
	ListByDevice(ctx context.Context, deviceGUID string, since time.Time, limit int) ([]DeviceCommand, error)

	// ApplyUpdate applies an acknowledgement to the command identified by id.
	// The write is guarded by the command's entity version; a concurrent
	// writer winning the race yields ErrConflict. The updated command is
	// returned on success.
	ApplyUpdate(ctx context.Context, id int64, upd *Update) (*DeviceCommand, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed command repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert persists a new command and populates its ID and timestamp.
func (r *SQLiteRepository) Insert(ctx context.Context, cmd *DeviceCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	if cmd.Lifecycle == "" {
		cmd.Lifecycle = LifecycleReceived
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO device_commands
			(device_guid, timestamp, command, parameters, lifecycle, status, result, user_id, session_id, entity_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		cmd.DeviceGUID, cmd.Timestamp.Format(time.RFC3339Nano), cmd.Command,
		nullRaw(cmd.Parameters), cmd.Lifecycle, nullStr(cmd.Status),
		nullRaw(cmd.Result), nullStr(cmd.UserID), nullStr(cmd.SessionID))
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	cmd.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading command id: %w", err)
	}
	return nil
}

// GetByID retrieves a command by its id.
func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*DeviceCommand, error) {
	row := r.db.QueryRowContext(ctx, selectCommand+" WHERE id = ?", id)

	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return cmd, nil
}

// ListByDevice retrieves commands for a device issued at or after since.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceGUID string, since time.Time, limit int) ([]DeviceCommand, error) {
	query := selectCommand + " WHERE device_guid = ? AND timestamp >= ? ORDER BY timestamp, id"
	args := []any{deviceGUID, since.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}
	defer rows.Close()

	var commands []DeviceCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		commands = append(commands, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return commands, nil
}

// ApplyUpdate applies an acknowledgement under optimistic concurrency.
func (r *SQLiteRepository) ApplyUpdate(ctx context.Context, id int64, upd *Update) (*DeviceCommand, error) {
	cmd, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.writeUpdate(ctx, cmd, upd)
}

// writeUpdate performs the version-guarded write for a command already read.
func (r *SQLiteRepository) writeUpdate(ctx context.Context, cmd *DeviceCommand, upd *Update) (*DeviceCommand, error) {
	if upd.Command != nil {
		cmd.Command = *upd.Command
	}
	if upd.Parameters != nil {
		cmd.Parameters = upd.Parameters
	}
	if upd.Status != nil {
		cmd.Status = *upd.Status
	}
	if upd.Result != nil {
		cmd.Result = upd.Result
	}
	if upd.Lifecycle != nil {
		cmd.Lifecycle = *upd.Lifecycle
	} else {
		cmd.Lifecycle = LifecycleUpdated
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE device_commands
		 SET command = ?, parameters = ?, lifecycle = ?, status = ?, result = ?,
			 entity_version = entity_version + 1
		 WHERE id = ? AND entity_version = ?`,
		cmd.Command, nullRaw(cmd.Parameters), cmd.Lifecycle, nullStr(cmd.Status),
		nullRaw(cmd.Result), cmd.ID, cmd.EntityVersion)
	if err != nil {
		return nil, fmt.Errorf("updating command: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		// Someone else bumped the version between our read and write.
		return nil, ErrConflict
	}

	cmd.EntityVersion++
	return cmd, nil
}

const selectCommand = `SELECT id, device_guid, timestamp, command, parameters,
	lifecycle, status, result, user_id, session_id, entity_version
	FROM device_commands`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(s rowScanner) (*DeviceCommand, error) {
	var cmd DeviceCommand
	var timestamp string
	var parameters, status, result, userID, sessionID sql.NullString
	var lifecycle sql.NullString

	err := s.Scan(&cmd.ID, &cmd.DeviceGUID, &timestamp, &cmd.Command,
		&parameters, &lifecycle, &status, &result, &userID, &sessionID,
		&cmd.EntityVersion)
	if err != nil {
		return nil, err
	}

	cmd.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp) //nolint:errcheck // format is controlled
	if parameters.Valid {
		cmd.Parameters = []byte(parameters.String)
	}
	if lifecycle.Valid {
		cmd.Lifecycle = lifecycle.String
	}
	if status.Valid {
		cmd.Status = status.String
	}
	if result.Valid {
		cmd.Result = []byte(result.String)
	}
	if userID.Valid {
		cmd.UserID = userID.String
	}
	if sessionID.Valid {
		cmd.SessionID = sessionID.String
	}

	return &cmd, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullRaw(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
