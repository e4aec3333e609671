// Package session tracks connected websocket endpoints and the per-session
// state the router needs: identity established by authenticate, an open flag,
// and one lock per push class so deliveries of the same class to the same
// session are serialised.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/devicebay/devicebay-core/internal/auth"
)

// Kind distinguishes the two websocket endpoints.
type Kind string

const (
	// KindDevice is a session on the device endpoint.
	KindDevice Kind = "device"
	// KindClient is a session on the client endpoint.
	KindClient Kind = "client"
)

// ErrSessionClosed is returned when sending to a session that has been closed.
var ErrSessionClosed = errors.New("session: closed")

// SendFunc hands a serialised frame to the session's connection. It must not
// block indefinitely; the transport decides what to do with slow consumers.
type SendFunc func(payload []byte) error

// Session is one connected websocket endpoint.
type Session struct {
	id   string
	kind Kind
	send SendFunc

	// Class locks: lookup and delivery of a push run under the lock of its
	// message class, so same-class pushes to this session do not interleave.
	commandMu      sync.Mutex
	notificationMu sync.Mutex

	mu         sync.RWMutex
	open       bool
	user       *auth.User
	deviceGUID string
	deviceKey  string
}

// New creates an open session of the given kind.
func New(kind Kind, send SendFunc) *Session {
	return &Session{
		id:   "sess-" + uuid.NewString(),
		kind: kind,
		send: send,
		open: true,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Kind returns which endpoint the session is connected to.
func (s *Session) Kind() Kind { return s.kind }

// IsOpen reports whether the session can still receive pushes.
func (s *Session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// Close marks the session closed. Subsequent sends fail with
// ErrSessionClosed. Close is idempotent and reports whether this call
// performed the transition.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return false
	}
	s.open = false
	return true
}

// Send delivers a serialised frame to the connection.
func (s *Session) Send(payload []byte) error {
	s.mu.RLock()
	open := s.open
	s.mu.RUnlock()
	if !open {
		return ErrSessionClosed
	}
	return s.send(payload)
}

// LockCommands serialises command-class deliveries to this session.
func (s *Session) LockCommands() { s.commandMu.Lock() }

// UnlockCommands releases the command-class lock.
func (s *Session) UnlockCommands() { s.commandMu.Unlock() }

// LockNotifications serialises notification-class deliveries to this session.
func (s *Session) LockNotifications() { s.notificationMu.Lock() }

// UnlockNotifications releases the notification-class lock.
func (s *Session) UnlockNotifications() { s.notificationMu.Unlock() }

// SetUser records the authenticated user on a client session.
func (s *Session) SetUser(user *auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// User returns the authenticated user, or nil before authenticate.
func (s *Session) User() *auth.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// SetDevice records the authenticated device identity on a device session.
func (s *Session) SetDevice(guid, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceGUID = guid
	s.deviceKey = key
}

// DeviceGUID returns the authenticated device guid, or "" before authenticate.
func (s *Session) DeviceGUID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceGUID
}

// DeviceKey returns the key presented at authenticate.
func (s *Session) DeviceKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceKey
}

// IsAuthenticated reports whether the session has established an identity.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kind == KindDevice {
		return s.deviceGUID != ""
	}
	return s.user != nil
}
