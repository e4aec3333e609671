package device

import "time"

// Device represents an endpoint that receives commands and emits notifications.
// Devices are identified by an opaque guid chosen at registration time and
// authenticate with their key.
type Device struct {
	GUID      string    `json:"guid"`
	Key       string    `json:"-"` // never serialised
	Name      string    `json:"name"`
	Status    string    `json:"status,omitempty"`
	NetworkID *string   `json:"network_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Network is a grouping of devices used for client access scoping.
type Network struct {
	ID          string    `json:"id"`
	Key         string    `json:"-"` // never serialised
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Copy returns an independent copy of the device.
func (d *Device) Copy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	if d.NetworkID != nil {
		id := *d.NetworkID
		cpy.NetworkID = &id
	}
	return &cpy
}
