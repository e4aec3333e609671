// Package bus routes domain events to live websocket sessions based on the
// persisted subscription registry.
//
// The router holds no global lock and caches nothing: every submit re-reads
// the subscription store, then delivers under the recipient session's lock for
// that message class. Delivery to an absent or closed session is a silent
// no-op; at-most-once delivery to currently connected recipients is the only
// guarantee.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/devicebay/devicebay-core/internal/auth"
	"github.com/devicebay/devicebay-core/internal/command"
	"github.com/devicebay/devicebay-core/internal/device"
	"github.com/devicebay/devicebay-core/internal/notification"
	"github.com/devicebay/devicebay-core/internal/session"
	"github.com/devicebay/devicebay-core/internal/subscription"
)

// Push envelope actions. The command-insert action doubles for notification
// pushes; the field name (command vs notification) tells recipients apart.
const (
	actionCommandInsert = "command/insertSubscription"
	actionCommandUpdate = "command/update"
)

// DeviceResolver resolves a device guid to its record, used to find the
// network a notification belongs to.
type DeviceResolver interface {
	GetByGUID(ctx context.Context, guid string) (*device.Device, error)
}

// AccessChecker decides whether a user may see events from a network.
type AccessChecker interface {
	HasNetworkAccess(ctx context.Context, user *auth.User, networkID string) (bool, error)
}

// DeliveryRecorder receives routing outcomes for telemetry. Implementations
// must not block.
type DeliveryRecorder interface {
	RecordDelivery(action, deviceGUID string, recipients int)
}

// Router fans domain events out to subscribed sessions.
type Router struct {
	store    subscription.Store
	sessions *session.Registry
	devices  DeviceResolver
	access   AccessChecker
	log      *slog.Logger
	recorder DeliveryRecorder
}

// NewRouter creates a router over the given store and session registry.
func NewRouter(store subscription.Store, sessions *session.Registry, devices DeviceResolver, access AccessChecker, log *slog.Logger) *Router {
	return &Router{
		store:    store,
		sessions: sessions,
		devices:  devices,
		access:   access,
		log:      log,
	}
}

// SetRecorder attaches a telemetry recorder. A nil recorder disables recording.
func (r *Router) SetRecorder(rec DeliveryRecorder) {
	r.recorder = rec
}

// SubmitCommand routes a freshly inserted command to the session subscribed
// to its device. No subscriber, or a closed one, is a silent drop.
func (r *Router) SubmitCommand(ctx context.Context, cmd *command.DeviceCommand) error {
	sessionID, err := r.store.CommandSubscriber(ctx, cmd.DeviceGUID)
	if err != nil {
		return fmt.Errorf("routing command %d: %w", cmd.ID, err)
	}

	sess := r.liveSession(sessionID)
	if sess == nil {
		r.log.Debug("command dropped, no live subscriber",
			"device_guid", cmd.DeviceGUID, "command_id", cmd.ID)
		r.record(actionCommandInsert, cmd.DeviceGUID, 0)
		return nil
	}

	payload, err := json.Marshal(struct {
		Action     string                 `json:"action"`
		DeviceGUID string                 `json:"deviceGuid"`
		Command    *command.DeviceCommand `json:"command"`
	}{actionCommandInsert, cmd.DeviceGUID, cmd})
	if err != nil {
		return fmt.Errorf("encoding command envelope: %w", err)
	}

	sess.LockCommands()
	delivered := r.deliver(sess, payload, actionCommandInsert, cmd.DeviceGUID)
	sess.UnlockCommands()

	r.record(actionCommandInsert, cmd.DeviceGUID, boolToCount(delivered))
	return nil
}

// SubmitCommandUpdate routes a command acknowledgement back to the session
// that issued the command. Updates flow on their own channel: no class lock
// is taken, inserts and updates cannot race on the same envelope.
func (r *Router) SubmitCommandUpdate(ctx context.Context, cmd *command.DeviceCommand) error {
	sessionID, err := r.store.CommandUpdateSubscriber(ctx, cmd.ID)
	if err != nil {
		return fmt.Errorf("routing command update %d: %w", cmd.ID, err)
	}

	sess := r.liveSession(sessionID)
	if sess == nil {
		r.log.Debug("command update dropped, no live subscriber", "command_id", cmd.ID)
		r.record(actionCommandUpdate, cmd.DeviceGUID, 0)
		return nil
	}

	payload, err := json.Marshal(struct {
		Action  string                 `json:"action"`
		Command *command.DeviceCommand `json:"command"`
	}{actionCommandUpdate, cmd})
	if err != nil {
		return fmt.Errorf("encoding command update envelope: %w", err)
	}

	delivered := r.deliver(sess, payload, actionCommandUpdate, cmd.DeviceGUID)
	if delivered {
		// Acknowledgements are terminal, one per command; the subscription
		// has served its purpose once delivered.
		if err := r.store.RemoveCommandUpdate(ctx, cmd.ID); err != nil {
			r.log.Warn("removing delivered update subscription", "command_id", cmd.ID, "error", err)
		}
	}
	r.record(actionCommandUpdate, cmd.DeviceGUID, boolToCount(delivered))
	return nil
}

// SubmitNotification fans a device notification out to its recipient set:
// wildcard subscribers whose user can access the device's network, plus
// per-device subscribers with no further check (access was verified when they
// subscribed). Each recipient gets exactly one delivery.
func (r *Router) SubmitNotification(ctx context.Context, n *notification.DeviceNotification) error {
	subs, err := r.store.NotificationSubscribers(ctx, n.DeviceGUID)
	if err != nil {
		return fmt.Errorf("routing notification %d: %w", n.ID, err)
	}
	if len(subs) == 0 {
		r.record(actionCommandInsert, n.DeviceGUID, 0)
		return nil
	}

	payload, err := json.Marshal(struct {
		Action       string                            `json:"action"`
		DeviceGUID   string                            `json:"deviceGuid"`
		Notification *notification.DeviceNotification `json:"notification"`
	}{actionCommandInsert, n.DeviceGUID, n})
	if err != nil {
		return fmt.Errorf("encoding notification envelope: %w", err)
	}

	// Wildcard recipients are filtered against the emitting device's network.
	var networkID string
	if dev, err := r.devices.GetByGUID(ctx, n.DeviceGUID); err == nil && dev.NetworkID != nil {
		networkID = *dev.NetworkID
	}

	delivered := 0
	for _, sub := range subs {
		sess := r.liveSession(sub.SessionID)
		if sess == nil {
			continue
		}
		if sub.Wildcard {
			ok, err := r.access.HasNetworkAccess(ctx, sess.User(), networkID)
			if err != nil {
				r.log.Warn("network access check failed",
					"session_id", sub.SessionID, "network_id", networkID, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}

		sess.LockNotifications()
		if r.deliver(sess, payload, actionCommandInsert, n.DeviceGUID) {
			delivered++
		}
		sess.UnlockNotifications()
	}

	r.record(actionCommandInsert, n.DeviceGUID, delivered)
	return nil
}

// SubscribeForCommands routes a device's commands to a session. An existing
// subscription for the device is silently displaced.
func (r *Router) SubscribeForCommands(ctx context.Context, deviceGUID, sessionID string) error {
	return r.store.SubscribeCommands(ctx, deviceGUID, sessionID)
}

// UnsubscribeFromCommands removes the command subscription the given session
// holds for a device. A displaced session's unsubscribe leaves the current
// subscriber's routing intact.
func (r *Router) UnsubscribeFromCommands(ctx context.Context, deviceGUID, sessionID string) error {
	return r.store.UnsubscribeCommands(ctx, deviceGUID, sessionID)
}

// SubscribeForCommandUpdates routes a command's acknowledgement to a session.
func (r *Router) SubscribeForCommandUpdates(ctx context.Context, commandID int64, sessionID string) error {
	return r.store.SubscribeCommandUpdates(ctx, commandID, sessionID)
}

// SubscribeForNotifications subscribes a session to the given devices, or to
// all accessible devices when the list is empty.
func (r *Router) SubscribeForNotifications(ctx context.Context, sessionID string, deviceGUIDs []string) error {
	if len(deviceGUIDs) == 0 {
		return r.store.SubscribeNotifications(ctx, sessionID, nil)
	}
	for _, guid := range deviceGUIDs {
		g := guid
		if err := r.store.SubscribeNotifications(ctx, sessionID, &g); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeFromNotifications removes notification subscriptions for a
// session, the wildcard one when the list is empty.
func (r *Router) UnsubscribeFromNotifications(ctx context.Context, sessionID string, deviceGUIDs []string) error {
	if len(deviceGUIDs) == 0 {
		return r.store.UnsubscribeNotifications(ctx, sessionID, nil)
	}
	for _, guid := range deviceGUIDs {
		g := guid
		if err := r.store.UnsubscribeNotifications(ctx, sessionID, &g); err != nil {
			return err
		}
	}
	return nil
}

// OnDeviceSessionClose cascades a closing device session's command
// subscriptions out of the store.
func (r *Router) OnDeviceSessionClose(ctx context.Context, sessionID string) error {
	return r.store.DeleteCommandsBySession(ctx, sessionID)
}

// OnClientSessionClose cascades every subscription a closing client session
// holds: command, command-update and notification rows.
func (r *Router) OnClientSessionClose(ctx context.Context, sessionID string) error {
	return r.store.DeleteBySession(ctx, sessionID)
}

// liveSession returns the open session for an id, or nil.
func (r *Router) liveSession(sessionID string) *session.Session {
	if sessionID == "" {
		return nil
	}
	sess := r.sessions.Get(sessionID)
	if sess == nil || !sess.IsOpen() {
		return nil
	}
	return sess
}

// deliver writes a frame to a session. Failures are logged, never propagated:
// the transport is managed elsewhere and the router cannot retry.
func (r *Router) deliver(sess *session.Session, payload []byte, action, deviceGUID string) bool {
	if err := sess.Send(payload); err != nil {
		r.log.Debug("push delivery failed",
			"session_id", sess.ID(), "action", action, "device_guid", deviceGUID, "error", err)
		return false
	}
	return true
}

func (r *Router) record(action, deviceGUID string, recipients int) {
	if r.recorder != nil {
		r.recorder.RecordDelivery(action, deviceGUID, recipients)
	}
}

func boolToCount(b bool) int {
	if b {
		return 1
	}
	return 0
}

