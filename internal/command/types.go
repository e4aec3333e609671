// Package command holds device command records and their persistence.
//
// A command is created by a client, routed to the target device, and later
// acknowledged by that device through an update carrying status and result.
// Updates use optimistic concurrency: each write bumps the entity version and
// a stale writer gets ErrConflict.
package command

import (
	"encoding/json"
	"errors"
	"time"
)

// Lifecycle values describing who touched the command last.
const (
	LifecycleReceived = "received" // created by a client, not yet acknowledged
	LifecycleUpdated  = "updated"  // device posted an update
)

// DeviceCommand is a command addressed to a single device.
type DeviceCommand struct {
	ID         int64           `json:"id"`
	DeviceGUID string          `json:"deviceGuid"`
	Timestamp  time.Time       `json:"timestamp"`
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Lifecycle  string          `json:"lifecycle,omitempty"`
	Status     string          `json:"status,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// Originator, used to route acknowledgements back to the issuing client.
	UserID    string `json:"-"`
	SessionID string `json:"-"`

	EntityVersion int64 `json:"-"`
}

// Update carries the mutable fields a device may set when acknowledging.
type Update struct {
	Command    *string         `json:"command,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Lifecycle  *string         `json:"lifecycle,omitempty"`
	Status     *string         `json:"status,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Sentinel errors for the command package.
var (
	// ErrCommandNotFound is returned when a command id does not exist.
	ErrCommandNotFound = errors.New("command: not found")

	// ErrInvalidCommand is returned when a command fails validation.
	ErrInvalidCommand = errors.New("command: invalid")

	// ErrConflict is returned when an update loses an optimistic-concurrency race.
	ErrConflict = errors.New("command: concurrent modification")
)

const maxCommandNameLength = 128

// Validate checks a command before insertion.
func (c *DeviceCommand) Validate() error {
	if c.Command == "" || len(c.Command) > maxCommandNameLength {
		return ErrInvalidCommand
	}
	if c.DeviceGUID == "" {
		return ErrInvalidCommand
	}
	return nil
}
