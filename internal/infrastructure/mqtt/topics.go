package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Devicebay MQTT scheme.
//
// Device-originated traffic uses: devicebay/device/{guid}/{kind}
// Gateway-originated traffic uses: devicebay/core/...
const (
	// TopicPrefixDevice is the base for device-originated topics.
	TopicPrefixDevice = "devicebay/device"

	// TopicPrefixCore is the base for gateway-originated topics.
	TopicPrefixCore = "devicebay/core"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "devicebay/system"
)

// Topics provides builders for Devicebay MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
type Topics struct{}

// DeviceNotification returns the topic a device publishes notifications on.
//
// Example: devicebay/device/dev-a1b2c3d4/notification
func (Topics) DeviceNotification(deviceGUID string) string {
	return fmt.Sprintf("%s/%s/notification", TopicPrefixDevice, deviceGUID)
}

// DeviceCommandUpdate returns the topic a device publishes command
// acknowledgements on.
//
// Example: devicebay/device/dev-a1b2c3d4/command/update
func (Topics) DeviceCommandUpdate(deviceGUID string) string {
	return fmt.Sprintf("%s/%s/command/update", TopicPrefixDevice, deviceGUID)
}

// CoreNotification returns the canonical notification stream topic for a
// device. The gateway republishes every accepted notification here so other
// services can follow device activity without a websocket session.
//
// Example: devicebay/core/device/dev-a1b2c3d4/notification
func (Topics) CoreNotification(deviceGUID string) string {
	return fmt.Sprintf("%s/device/%s/notification", TopicPrefixCore, deviceGUID)
}

// SystemStatus returns the gateway status topic used for online/offline
// announcements and the Last Will message.
//
// Example: devicebay/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceNotifications returns a pattern matching notification publishes
// from every device.
//
// Pattern: devicebay/device/+/notification
func (Topics) AllDeviceNotifications() string {
	return fmt.Sprintf("%s/+/notification", TopicPrefixDevice)
}

// AllDeviceCommandUpdates returns a pattern matching command acknowledgements
// from every device.
//
// Pattern: devicebay/device/+/command/update
func (Topics) AllDeviceCommandUpdates() string {
	return fmt.Sprintf("%s/+/command/update", TopicPrefixDevice)
}

// DeviceGUIDFromTopic extracts the device guid from a device-originated topic.
// Returns an empty string if the topic does not follow the device scheme.
func DeviceGUIDFromTopic(topic string) string {
	rest, ok := strings.CutPrefix(topic, TopicPrefixDevice+"/")
	if !ok {
		return ""
	}
	guid, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return guid
}
