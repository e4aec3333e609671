package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/devicebay/devicebay-core/internal/auth"
	"github.com/devicebay/devicebay-core/internal/bus"
	"github.com/devicebay/devicebay-core/internal/command"
	"github.com/devicebay/devicebay-core/internal/device"
	"github.com/devicebay/devicebay-core/internal/session"
	"github.com/devicebay/devicebay-core/internal/subscription"
)

// ClientHandlers implements the client endpoint's actions.
type ClientHandlers struct {
	version   string
	router    *bus.Router
	users     auth.UserRepository
	access    auth.NetworkAccessRepository
	devices   device.Repository
	commands  command.Repository
	jwtSecret string
	log       *slog.Logger
}

// NewClientHandlers creates the client endpoint handler set.
func NewClientHandlers(version string, router *bus.Router, users auth.UserRepository,
	access auth.NetworkAccessRepository, devices device.Repository,
	commands command.Repository, jwtSecret string, log *slog.Logger,
) *ClientHandlers {
	return &ClientHandlers{
		version:   version,
		router:    router,
		users:     users,
		access:    access,
		devices:   devices,
		commands:  commands,
		jwtSecret: jwtSecret,
		log:       log,
	}
}

// Register installs the client actions into a dispatcher.
func (h *ClientHandlers) Register(d *Dispatcher) {
	d.Register("server/info", false, h.serverInfo)
	d.Register("authenticate", false, h.authenticate)
	d.Register("command/insert", true, h.commandInsert)
	d.Register("notification/subscribe", true, h.notificationSubscribe)
	d.Register("notification/unsubscribe", true, h.notificationUnsubscribe)
}

func (h *ClientHandlers) serverInfo(_ context.Context, _ *Request, _ *session.Session) (map[string]any, error) {
	return serverInfoPayload(h.version), nil
}

// authenticate accepts either login + password or a bearer token issued for
// this deployment.
func (h *ClientHandlers) authenticate(ctx context.Context, req *Request, sess *session.Session) (map[string]any, error) {
	var body struct {
		Login    string `json:"login"`
		Password string `json:"password"`
		Token    string `json:"token"`
	}
	if err := req.Decode(&body); err != nil {
		return nil, Errorf("Incorrect request format")
	}

	var user *auth.User
	var err error
	switch {
	case body.Token != "":
		user, err = h.userFromToken(ctx, body.Token)
	case body.Login != "" && body.Password != "":
		user, err = h.userFromCredentials(ctx, body.Login, body.Password)
	default:
		return nil, Errorf("login and password, or token, are required")
	}
	if err != nil {
		return nil, err
	}

	sess.SetUser(user)
	h.log.Info("client authenticated", "login", user.Login, "session_id", sess.ID())
	return nil, nil
}

func (h *ClientHandlers) userFromCredentials(ctx context.Context, login, password string) (*auth.User, error) {
	user, err := h.users.GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return nil, Errorf("Invalid credentials")
		}
		return nil, err
	}

	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, Errorf("Invalid credentials")
	}
	if !user.IsActive() {
		return nil, Errorf("User account is disabled")
	}
	return user, nil
}

func (h *ClientHandlers) userFromToken(ctx context.Context, token string) (*auth.User, error) {
	claims, err := auth.ParseToken(token, h.jwtSecret)
	if err != nil {
		return nil, Errorf("Invalid token")
	}

	user, err := h.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return nil, Errorf("Invalid token")
		}
		return nil, err
	}
	if !user.IsActive() {
		return nil, Errorf("User account is disabled")
	}
	return user, nil
}

// commandInsert persists a client command, routes it to the device's
// subscribed session and auto-subscribes the caller for the command's
// acknowledgement.
func (h *ClientHandlers) commandInsert(ctx context.Context, req *Request, sess *session.Session) (map[string]any, error) {
	var body struct {
		DeviceGUID string `json:"deviceGuid"`
		Command    *struct {
			Name       string          `json:"command"`
			Parameters json.RawMessage `json:"parameters"`
		} `json:"command"`
	}
	if err := req.Decode(&body); err != nil {
		return nil, Errorf("Incorrect request format")
	}
	if body.DeviceGUID == "" || body.Command == nil || body.Command.Name == "" {
		return nil, Errorf("deviceGuid and command are required")
	}

	dev, err := h.devices.GetByGUID(ctx, body.DeviceGUID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return nil, Errorf("Device not found: %s", body.DeviceGUID)
		}
		return nil, err
	}
	if err := h.checkDeviceAccess(ctx, sess.User(), dev); err != nil {
		return nil, err
	}

	cmd := &command.DeviceCommand{
		DeviceGUID: dev.GUID,
		Command:    body.Command.Name,
		Parameters: body.Command.Parameters,
		UserID:     sess.User().ID,
		SessionID:  sess.ID(),
	}
	if err := h.commands.Insert(ctx, cmd); err != nil {
		if errors.Is(err, command.ErrInvalidCommand) {
			return nil, Errorf("Invalid command")
		}
		return nil, err
	}

	// The caller is always subscribed for this command's acknowledgement
	// before the command reaches the device, so the ack cannot race past
	// the subscription.
	if err := h.router.SubscribeForCommandUpdates(ctx, cmd.ID, sess.ID()); err != nil {
		return nil, err
	}
	if err := h.router.SubmitCommand(ctx, cmd); err != nil {
		h.log.Warn("routing command", "command_id", cmd.ID, "error", err)
	}

	return map[string]any{
		"command": map[string]any{
			"id":        cmd.ID,
			"timestamp": cmd.Timestamp.Format(time.RFC3339Nano),
		},
	}, nil
}

// notificationSubscribe subscribes the session to the listed devices, or to
// all accessible devices when the list is empty. Per-device access is
// enforced here, at subscribe time; wildcard access is enforced per delivery.
func (h *ClientHandlers) notificationSubscribe(ctx context.Context, req *Request, sess *session.Session) (map[string]any, error) {
	guids, err := decodeDeviceGUIDs(req)
	if err != nil {
		return nil, err
	}

	for _, guid := range guids {
		dev, err := h.devices.GetByGUID(ctx, guid)
		if err != nil {
			if errors.Is(err, device.ErrDeviceNotFound) {
				return nil, Errorf("Device not found: %s", guid)
			}
			return nil, err
		}
		if err := h.checkDeviceAccess(ctx, sess.User(), dev); err != nil {
			return nil, err
		}
	}

	if err := h.router.SubscribeForNotifications(ctx, sess.ID(), guids); err != nil {
		return nil, err
	}
	h.log.Debug("client subscribed for notifications",
		"session_id", sess.ID(), "devices", len(guids))
	return nil, nil
}

func (h *ClientHandlers) notificationUnsubscribe(ctx context.Context, req *Request, sess *session.Session) (map[string]any, error) {
	guids, err := decodeDeviceGUIDs(req)
	if err != nil {
		return nil, err
	}

	err = h.router.UnsubscribeFromNotifications(ctx, sess.ID(), guids)
	if err != nil && !errors.Is(err, subscription.ErrNotSubscribed) {
		return nil, err
	}
	return nil, nil
}

func decodeDeviceGUIDs(req *Request) ([]string, error) {
	var body struct {
		DeviceGUIDs []string `json:"deviceGuids"`
	}
	if err := req.Decode(&body); err != nil {
		return nil, Errorf("Incorrect request format")
	}
	return body.DeviceGUIDs, nil
}

// checkDeviceAccess verifies the user may interact with a device. Devices
// without a network are admin-only.
func (h *ClientHandlers) checkDeviceAccess(ctx context.Context, user *auth.User, dev *device.Device) error {
	if user.IsAdmin() {
		return nil
	}
	if dev.NetworkID == nil {
		return Errorf("Access denied to device %s", dev.GUID)
	}
	ok, err := h.access.HasNetworkAccess(ctx, user, *dev.NetworkID)
	if err != nil {
		return err
	}
	if !ok {
		return Errorf("Access denied to device %s", dev.GUID)
	}
	return nil
}
