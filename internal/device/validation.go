package device

import (
	"fmt"
	"regexp"
)

// Validation constants.
const (
	maxGUIDLength = 64
	maxKeyLength  = 128
	maxNameLength = 128
)

// guidPattern accepts UUIDs and other opaque identifiers: alphanumeric with
// dots, hyphens, underscores.
var guidPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Validate checks a device for structural correctness before persistence.
func (d *Device) Validate() error {
	if d.GUID == "" || len(d.GUID) > maxGUIDLength || !guidPattern.MatchString(d.GUID) {
		return fmt.Errorf("%w: %q", ErrInvalidGUID, d.GUID)
	}
	if d.Key == "" || len(d.Key) > maxKeyLength {
		return ErrInvalidKey
	}
	if d.Name == "" || len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, d.Name)
	}
	return nil
}
