package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devicebay/devicebay-core/internal/command"
	"github.com/devicebay/devicebay-core/internal/device"
	"github.com/devicebay/devicebay-core/internal/notification"
)

// ingestTimeout bounds the persistence and routing work done for a single
// broker message.
const ingestTimeout = 10 * time.Second

// Broker is the subset of Client the bridge needs. Narrowed for testing.
type Broker interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// EventRouter fans device events out to subscribed sessions. Implemented by
// bus.Router.
type EventRouter interface {
	SubmitCommandUpdate(ctx context.Context, cmd *command.DeviceCommand) error
	SubmitNotification(ctx context.Context, n *notification.DeviceNotification) error
}

// BridgeDeps holds the collaborators for the ingest bridge.
type BridgeDeps struct {
	Devices       device.Repository
	Commands      command.Repository
	Notifications notification.Repository
	Router        EventRouter
	QoS           byte
	Logger        *slog.Logger
}

// Bridge ingests device traffic from the MQTT broker.
//
// Devices that cannot hold a websocket open publish notifications and command
// acknowledgements to their device topics instead. The bridge validates the
// device, persists the payload, and routes it through the same paths as
// websocket-originated traffic. Accepted notifications are additionally
// republished on the canonical core stream.
type Bridge struct {
	broker Broker
	deps   BridgeDeps
	log    *slog.Logger
}

// NewBridge creates an ingest bridge over a connected broker client.
func NewBridge(broker Broker, deps BridgeDeps) *Bridge {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{broker: broker, deps: deps, log: log}
}

// Start subscribes to the device ingest topics. Subscriptions survive broker
// reconnects via the client's tracking.
func (b *Bridge) Start() error {
	if err := b.broker.Subscribe(Topics{}.AllDeviceNotifications(), b.deps.QoS, b.handleNotification); err != nil {
		return fmt.Errorf("subscribing to device notifications: %w", err)
	}
	if err := b.broker.Subscribe(Topics{}.AllDeviceCommandUpdates(), b.deps.QoS, b.handleCommandUpdate); err != nil {
		return fmt.Errorf("subscribing to command updates: %w", err)
	}
	b.log.Info("mqtt ingest bridge started",
		"notifications", Topics{}.AllDeviceNotifications(),
		"command_updates", Topics{}.AllDeviceCommandUpdates(),
	)
	return nil
}

// handleNotification ingests a device notification publish.
//
// Payload shape matches the websocket notification/insert body:
//
//	{"notification":"temperature","parameters":{...}}
func (b *Bridge) handleNotification(topic string, payload []byte) error {
	guid := DeviceGUIDFromTopic(topic)
	if guid == "" {
		return fmt.Errorf("unrecognised device topic %q", topic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	if _, err := b.deps.Devices.GetByGUID(ctx, guid); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return fmt.Errorf("notification from unknown device %s", guid)
		}
		return fmt.Errorf("resolving device %s: %w", guid, err)
	}

	var body struct {
		Name       string          `json:"notification"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("invalid notification payload from %s: %w", guid, err)
	}
	if body.Name == "" {
		return fmt.Errorf("notification from %s missing name", guid)
	}

	n := &notification.DeviceNotification{
		DeviceGUID: guid,
		Name:       body.Name,
		Parameters: body.Parameters,
	}
	if err := b.deps.Notifications.Insert(ctx, n); err != nil {
		return fmt.Errorf("persisting notification from %s: %w", guid, err)
	}

	if err := b.deps.Router.SubmitNotification(ctx, n); err != nil {
		b.log.Warn("routing mqtt notification", "device_guid", guid, "error", err)
	}

	b.republish(n)
	return nil
}

// republish mirrors an accepted notification onto the canonical core stream.
// Best effort: a broker hiccup here must not fail the ingest.
func (b *Bridge) republish(n *notification.DeviceNotification) {
	data, err := json.Marshal(n)
	if err != nil {
		b.log.Warn("serialising canonical notification", "device_guid", n.DeviceGUID, "error", err)
		return
	}
	if err := b.broker.Publish(Topics{}.CoreNotification(n.DeviceGUID), data, b.deps.QoS, false); err != nil {
		b.log.Warn("republishing notification", "device_guid", n.DeviceGUID, "error", err)
	}
}

// handleCommandUpdate ingests a device's command acknowledgement.
//
// Payload shape matches the websocket command/update body:
//
//	{"commandId":42,"command":{"status":"Completed","result":{...}}}
func (b *Bridge) handleCommandUpdate(topic string, payload []byte) error {
	guid := DeviceGUIDFromTopic(topic)
	if guid == "" {
		return fmt.Errorf("unrecognised device topic %q", topic)
	}

	var body struct {
		CommandID *int64          `json:"commandId"`
		Command   *command.Update `json:"command"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("invalid command update payload from %s: %w", guid, err)
	}
	if body.CommandID == nil || body.Command == nil {
		return fmt.Errorf("command update from %s missing commandId or command", guid)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	existing, err := b.deps.Commands.GetByID(ctx, *body.CommandID)
	if err != nil {
		if errors.Is(err, command.ErrCommandNotFound) {
			return fmt.Errorf("command %d not found", *body.CommandID)
		}
		return fmt.Errorf("loading command %d: %w", *body.CommandID, err)
	}
	// A device may only acknowledge its own commands.
	if existing.DeviceGUID != guid {
		return fmt.Errorf("command %d does not belong to device %s", *body.CommandID, guid)
	}

	updated, err := b.deps.Commands.ApplyUpdate(ctx, *body.CommandID, body.Command)
	if err != nil {
		return fmt.Errorf("applying update to command %d: %w", *body.CommandID, err)
	}

	if err := b.deps.Router.SubmitCommandUpdate(ctx, updated); err != nil {
		b.log.Warn("routing mqtt command update", "command_id", updated.ID, "error", err)
	}
	return nil
}
