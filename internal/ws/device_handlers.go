package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/devicebay/devicebay-core/internal/bus"
	"github.com/devicebay/devicebay-core/internal/command"
	"github.com/devicebay/devicebay-core/internal/device"
	"github.com/devicebay/devicebay-core/internal/notification"
	"github.com/devicebay/devicebay-core/internal/session"
	"github.com/devicebay/devicebay-core/internal/subscription"
)

// DeviceHandlers implements the device endpoint's actions.
type DeviceHandlers struct {
	version       string
	router        *bus.Router
	devices       device.Repository
	networks      device.NetworkRepository
	commands      command.Repository
	notifications notification.Repository
	log           *slog.Logger
}

// NewDeviceHandlers creates the device endpoint handler set.
func NewDeviceHandlers(version string, router *bus.Router, devices device.Repository,
	networks device.NetworkRepository, commands command.Repository,
	notifications notification.Repository, log *slog.Logger,
) *DeviceHandlers {
	return &DeviceHandlers{
		version:       version,
		router:        router,
		devices:       devices,
		networks:      networks,
		commands:      commands,
		notifications: notifications,
		log:           log,
	}
}

// Register installs the device actions into a dispatcher.
func (h *DeviceHandlers) Register(d *Dispatcher) {
	d.Register("server/info", false, h.serverInfo)
	d.Register("authenticate", false, h.authenticate)
	d.Register("device/save", false, h.deviceSave)
	d.Register("device/get", true, h.deviceGet)
	d.Register("command/subscribe", true, h.commandSubscribe)
	d.Register("command/unsubscribe", true, h.commandUnsubscribe)
	d.Register("command/update", true, h.commandUpdate)
	d.Register("notification/insert", true, h.notificationInsert)
}

func (h *DeviceHandlers) serverInfo(_ context.Context, _ *Request, _ *session.Session) (map[string]any, error) {
	return serverInfoPayload(h.version), nil
}

// serverInfoPayload is shared by both endpoints.
func serverInfoPayload(version string) map[string]any {
	return map[string]any{
		"info": map[string]any{
			"apiVersion":      version,
			"serverTimestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}

func (h *DeviceHandlers) authenticate(ctx context.Context, req *Request, sess *session.Session) (map[string]any, error) {
	var body struct {
		DeviceID  string `json:"deviceId"`
		DeviceKey string `json:"deviceKey"`
	}
	if err := req.Decode(&body); err != nil {
		return nil, Errorf("Incorrect request format")
	}
	if body.DeviceID == "" || body.DeviceKey == "" {
		return nil, Errorf("deviceId and deviceKey are required")
	}

	dev, err := h.devices.GetByGUID(ctx, body.DeviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return nil, Errorf("Device authentication failed")
		}
		return nil, err
	}
	if dev.Key != body.DeviceKey {
		return nil, Errorf("Device authentication failed")
	}

	sess.SetDevice(dev.GUID, dev.Key)
	h.log.Info("device authenticated", "device_guid", dev.GUID, "session_id", sess.ID())
	return nil, nil
}

// deviceSave registers or re-registers the calling device. The frame carries
// the device's own credentials, so no prior authenticate is needed; a key
// mismatch against an existing record is rejected.
func (h *DeviceHandlers) deviceSave(ctx context.Context, req *Request, sess *session.Session) (map[string]any, error) {
	var body struct {
		DeviceID  string `json:"deviceId"`
		DeviceKey string `json:"deviceKey"`
		Device    struct {
			Name    string `json:"name"`
			Status  string `json:"status"`
			Network *struct {
				Name string `json:"name"`
				Key  string `json:"key"`
			} `json:"network"`
		} `json:"device"`
	}
	if err := req.Decode(&body); err != nil {
		return nil, Errorf("Incorrect request format")
	}
	if body.DeviceID == "" || body.DeviceKey == "" {
		return nil, Errorf("deviceId and deviceKey are required")
	}

	existing, err := h.devices.GetByGUID(ctx, body.DeviceID)
	if err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
		return nil, err
	}
	if existing != nil && existing.Key != body.DeviceKey {
		return nil, Errorf("Device key mismatch")
	}

	dev := &device.Device{
		GUID:   body.DeviceID,
		Key:    body.DeviceKey,
		Name:   body.Device.Name,
		Status: body.Device.Status,
	}
	if existing != nil {
		dev.CreatedAt = existing.CreatedAt
		if dev.Name == "" {
			dev.Name = existing.Name
		}
		dev.NetworkID = existing.NetworkID
	}

	if body.Device.Network != nil && body.Device.Network.Name != "" {
		net, err := h.networks.GetOrCreate(ctx, body.Device.Network.Name, body.Device.Network.Key)
		if err != nil {
			if errors.Is(err, device.ErrNetworkKeyMismatch) {
				return nil, Errorf("Incorrect network key")
			}
			return nil, err
		}
		dev.NetworkID = &net.ID
	}

	if err := h.devices.Save(ctx, dev); err != nil {
		if errors.Is(err, device.ErrInvalidGUID) || errors.Is(err, device.ErrInvalidKey) ||
			errors.Is(err, device.ErrInvalidName) {
			return nil, Errorf("Invalid device: %v", err)
		}
		return nil, err
	}

	// Saving with valid credentials establishes the session's identity.
	sess.SetDevice(dev.GUID, dev.Key)
	h.log.Info("device saved", "device_guid", dev.GUID, "session_id", sess.ID())
	return nil, nil
}

func (h *DeviceHandlers) deviceGet(ctx context.Context, _ *Request, sess *session.Session) (map[string]any, error) {
	dev, err := h.devices.GetByGUID(ctx, sess.DeviceGUID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"device": dev}, nil
}

func (h *DeviceHandlers) commandSubscribe(ctx context.Context, _ *Request, sess *session.Session) (map[string]any, error) {
	if err := h.router.SubscribeForCommands(ctx, sess.DeviceGUID(), sess.ID()); err != nil {
		return nil, err
	}
	h.log.Debug("device subscribed for commands", "device_guid", sess.DeviceGUID(), "session_id", sess.ID())
	return nil, nil
}

func (h *DeviceHandlers) commandUnsubscribe(ctx context.Context, _ *Request, sess *session.Session) (map[string]any, error) {
	err := h.router.UnsubscribeFromCommands(ctx, sess.DeviceGUID(), sess.ID())
	if err != nil && !errors.Is(err, subscription.ErrNotSubscribed) {
		return nil, err
	}
	return nil, nil
}

// commandUpdate persists a device's acknowledgement and routes it back to the
// client that issued the command.
func (h *DeviceHandlers) commandUpdate(ctx context.Context, req *Request, sess *session.Session) (map[string]any, error) {
	var body struct {
		CommandID *int64          `json:"commandId"`
		Command   *command.Update `json:"command"`
	}
	if err := req.Decode(&body); err != nil {
		return nil, Errorf("Incorrect request format")
	}
	if body.CommandID == nil || body.Command == nil {
		return nil, Errorf("commandId and command are required")
	}

	existing, err := h.commands.GetByID(ctx, *body.CommandID)
	if err != nil {
		if errors.Is(err, command.ErrCommandNotFound) {
			return nil, Errorf("Command not found: %d", *body.CommandID)
		}
		return nil, err
	}
	if existing.DeviceGUID != sess.DeviceGUID() {
		return nil, Errorf("Command not found: %d", *body.CommandID)
	}

	updated, err := h.commands.ApplyUpdate(ctx, *body.CommandID, body.Command)
	if err != nil {
		// ErrConflict passes through with its own message.
		return nil, err
	}

	if err := h.router.SubmitCommandUpdate(ctx, updated); err != nil {
		h.log.Warn("routing command update", "command_id", updated.ID, "error", err)
	}
	return nil, nil
}

// notificationInsert persists a device notification and fans it out.
func (h *DeviceHandlers) notificationInsert(ctx context.Context, req *Request, sess *session.Session) (map[string]any, error) {
	var body struct {
		Notification *struct {
			Name       string          `json:"notification"`
			Parameters json.RawMessage `json:"parameters"`
		} `json:"notification"`
	}
	if err := req.Decode(&body); err != nil {
		return nil, Errorf("Incorrect request format")
	}
	if body.Notification == nil || body.Notification.Name == "" {
		return nil, Errorf("notification is required")
	}

	n := &notification.DeviceNotification{
		DeviceGUID: sess.DeviceGUID(),
		Name:       body.Notification.Name,
		Parameters: body.Notification.Parameters,
	}
	if err := h.notifications.Insert(ctx, n); err != nil {
		if errors.Is(err, notification.ErrInvalidNotification) {
			return nil, Errorf("Invalid notification")
		}
		return nil, err
	}

	if err := h.router.SubmitNotification(ctx, n); err != nil {
		h.log.Warn("routing notification", "notification_id", n.ID, "error", err)
	}

	return map[string]any{
		"notification": map[string]any{
			"id":        n.ID,
			"timestamp": n.Timestamp.Format(time.RFC3339Nano),
		},
	}, nil
}
