// Package ws implements the websocket protocol surface: an action dispatcher
// that resolves inbound frames to registered handlers, the device and client
// endpoint handlers, and the transport plumbing that feeds frames in and out.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devicebay/devicebay-core/internal/command"
	"github.com/devicebay/devicebay-core/internal/session"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Fixed dispatcher messages. Malformed frames and internal failures never
// leak detail to the client.
const (
	msgIncorrectJSON = "Incorrect JSON syntax"
	msgInternalError = "Internal server error"
	msgNotAuthorised = "Not authorised"
)

// Request is one parsed inbound frame. RequestID is echoed verbatim into the
// response and may be any JSON value.
type Request struct {
	Action    string          `json:"action"`
	RequestID json.RawMessage `json:"requestId"`

	raw json.RawMessage
}

// Decode unmarshals the full frame into a handler's request struct.
func (r *Request) Decode(v any) error {
	return json.Unmarshal(r.raw, v)
}

// HandlerFunc processes one request on a session. The returned map is merged
// into the success envelope. An error becomes an error envelope: a
// clientError or a write conflict keeps its message, anything else is logged
// and masked.
type HandlerFunc func(ctx context.Context, req *Request, sess *session.Session) (map[string]any, error)

// handlerEntry is one row of the static action table.
type handlerEntry struct {
	name      string
	needsAuth bool
	invoke    HandlerFunc
}

// DispatchRecorder receives dispatch outcomes for telemetry. Implementations
// must not block.
type DispatchRecorder interface {
	RecordDispatch(action, status string, elapsed time.Duration)
}

// Dispatcher resolves frames to handlers through a table built once at
// startup. One failing request never terminates the connection: every
// failure, including handler panics, becomes an error envelope.
type Dispatcher struct {
	handlers map[string]handlerEntry
	log      *slog.Logger
	recorder DispatchRecorder
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]handlerEntry),
		log:      log,
	}
}

// SetRecorder attaches a telemetry recorder. A nil recorder disables recording.
func (d *Dispatcher) SetRecorder(rec DispatchRecorder) {
	d.recorder = rec
}

// Register adds an action to the table. Registration happens at startup,
// before any frame is dispatched; it is not safe to call concurrently with
// Dispatch.
func (d *Dispatcher) Register(action string, needsAuth bool, h HandlerFunc) {
	d.handlers[action] = handlerEntry{name: action, needsAuth: needsAuth, invoke: h}
}

// Dispatch processes one raw frame and returns the serialised response.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, sess *session.Session) []byte {
	started := time.Now()

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Action == "" {
		// Nothing trustworthy to echo.
		d.record("", StatusError, started)
		return marshalEnvelope(map[string]any{
			"status":  StatusError,
			"message": msgIncorrectJSON,
		})
	}
	req.raw = raw

	payload, status := d.execute(ctx, &req, sess)
	d.record(req.Action, status, started)

	envelope := map[string]any{
		"action": req.Action,
		"status": status,
	}
	if req.RequestID != nil {
		envelope["requestId"] = req.RequestID
	}
	for k, v := range payload {
		envelope[k] = v
	}
	return marshalEnvelope(envelope)
}

// execute runs the handler for a parsed request and maps its outcome to a
// payload and status.
func (d *Dispatcher) execute(ctx context.Context, req *Request, sess *session.Session) (payload map[string]any, status string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic", "action", req.Action, "panic", r)
			payload = map[string]any{"message": msgInternalError}
			status = StatusError
		}
	}()

	entry, ok := d.handlers[req.Action]
	if !ok {
		return map[string]any{"message": "Unknown action requested: " + req.Action}, StatusError
	}
	if entry.needsAuth && !sess.IsAuthenticated() {
		return map[string]any{"message": msgNotAuthorised}, StatusError
	}

	result, err := entry.invoke(ctx, req, sess)
	if err != nil {
		return map[string]any{"message": clientMessage(d.log, req.Action, err)}, StatusError
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, StatusSuccess
}

func (d *Dispatcher) record(action, status string, started time.Time) {
	if d.recorder != nil {
		d.recorder.RecordDispatch(action, status, time.Since(started))
	}
}

func marshalEnvelope(envelope map[string]any) []byte {
	data, err := json.Marshal(envelope)
	if err != nil {
		// Envelope values are built from decoded JSON and plain strings;
		// marshalling them cannot realistically fail.
		return []byte(`{"status":"error","message":"` + msgInternalError + `"}`)
	}
	return data
}

// clientError is a handler failure whose message is safe to show the caller.
type clientError struct {
	msg string
}

func (e *clientError) Error() string { return e.msg }

// Errorf builds a client-visible handler error.
func Errorf(format string, args ...any) error {
	return &clientError{msg: fmt.Sprintf(format, args...)}
}

// clientMessage maps a handler error to the message surfaced to the caller.
// Business errors and write conflicts pass through; everything else is logged
// and replaced with a generic message.
func clientMessage(log *slog.Logger, action string, err error) string {
	var ce *clientError
	if errors.As(err, &ce) {
		return ce.msg
	}
	if errors.Is(err, command.ErrConflict) {
		return err.Error()
	}
	log.Error("handler failed", "action", action, "error", err)
	return msgInternalError
}
