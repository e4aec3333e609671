// Package device provides the device and network registry for Devicebay Core.
//
// A Device is an endpoint that connects over the device WebSocket endpoint,
// receives commands and publishes notifications. Devices register themselves
// (device/save) and authenticate with their guid and key. A Network is a
// grouping of devices used for client-side access scoping: client accounts
// only observe notifications from networks they were granted.
//
// The package follows the repository pattern: interfaces for persistence
// operations with SQLite-backed implementations, enabling unit testing
// without database dependencies.
package device
