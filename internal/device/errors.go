package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device guid does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device with a guid that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidGUID is returned when a device guid has an unacceptable format.
	ErrInvalidGUID = errors.New("device: invalid guid")

	// ErrInvalidKey is returned when a device key is empty or too long.
	ErrInvalidKey = errors.New("device: invalid key")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrNetworkExists is returned when creating a network with a name that already exists.
	ErrNetworkExists = errors.New("device: network already exists")

	// ErrNetworkNotFound is returned when a referenced network does not exist.
	ErrNetworkNotFound = errors.New("device: network not found")

	// ErrNetworkKeyMismatch is returned when attaching to a network with the wrong key.
	ErrNetworkKeyMismatch = errors.New("device: network key mismatch")
)
