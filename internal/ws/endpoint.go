package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devicebay/devicebay-core/internal/bus"
	"github.com/devicebay/devicebay-core/internal/infrastructure/config"
	"github.com/devicebay/devicebay-core/internal/infrastructure/logging"
	"github.com/devicebay/devicebay-core/internal/session"
)

// errSendBufferFull is returned when a slow consumer's outbound buffer is
// exhausted. The frame is dropped; pushes are best-effort.
var errSendBufferFull = errors.New("ws: send buffer full")

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Devices and clients authenticate in-protocol; origin is not a
		// trust boundary here.
		return true
	},
}

// Endpoint serves one websocket protocol endpoint (device or client). Each
// accepted connection becomes a session in the registry; its inbound frames
// run through the dispatcher and its close fires the matching router cascade.
type Endpoint struct {
	kind       session.Kind
	dispatcher *Dispatcher
	sessions   *session.Registry
	router     *bus.Router
	cfg        config.WebSocketConfig
	logger     *logging.Logger
}

// NewEndpoint creates an endpoint of the given kind.
func NewEndpoint(kind session.Kind, dispatcher *Dispatcher, sessions *session.Registry,
	router *bus.Router, cfg config.WebSocketConfig, logger *logging.Logger,
) *Endpoint {
	return &Endpoint{
		kind:       kind,
		dispatcher: dispatcher,
		sessions:   sessions,
		router:     router,
		cfg:        cfg,
		logger:     logger,
	}
}

// ServeHTTP upgrades the HTTP connection and runs the session until it closes.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("websocket upgrade failed", "endpoint", string(e.kind), "error", err)
		return
	}

	c := &conn{
		endpoint: e,
		ws:       wsConn,
		send:     make(chan []byte, e.sendBufferSize()),
	}
	c.sess = session.New(e.kind, c.enqueue)
	e.sessions.Add(c.sess)

	e.logger.Debug("websocket connected",
		"endpoint", string(e.kind), "session_id", c.sess.ID(), "sessions", e.sessions.Len())

	go c.writePump()
	go c.readPump()
}

func (e *Endpoint) sendBufferSize() int {
	if e.cfg.SendBufferSize > 0 {
		return e.cfg.SendBufferSize
	}
	return 256
}

// conn is one upgraded connection with its outbound buffer and session.
type conn struct {
	endpoint *Endpoint
	ws       *websocket.Conn
	send     chan []byte
	sess     *session.Session
	teardown sync.Once
}

// enqueue hands a frame to the write pump. A full buffer drops the frame: a
// consumer that cannot keep up loses pushes rather than stalling the router.
func (c *conn) enqueue(payload []byte) (err error) {
	defer func() {
		if recover() != nil {
			// Channel closed during shutdown.
			err = session.ErrSessionClosed
		}
	}()

	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

// readPump reads frames, dispatches them and queues the responses.
func (c *conn) readPump() {
	defer c.close()

	cfg := c.endpoint.cfg
	c.ws.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.endpoint.logger.Warn("websocket read error", "session_id", c.sess.ID(), "error", err)
			} else {
				c.endpoint.logger.Debug("websocket closed", "session_id", c.sess.ID(), "error", err)
			}
			return
		}
		// Any frame resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		response := c.endpoint.dispatcher.Dispatch(context.Background(), message, c.sess)
		if err := c.enqueue(response); err != nil {
			c.endpoint.logger.Warn("response dropped", "session_id", c.sess.ID(), "error", err)
		}
	}
}

// writePump writes queued frames and protocol pings to the connection.
func (c *conn) writePump() {
	cfg := c.endpoint.cfg
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.ws.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.ws.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears the session down exactly once: marks it closed, removes it from
// the registry, fires the router cascade for its kind and releases the write
// pump.
func (c *conn) close() {
	c.teardown.Do(func() {
		c.sess.Close()
		c.endpoint.sessions.Remove(c.sess.ID())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		if c.endpoint.kind == session.KindDevice {
			err = c.endpoint.router.OnDeviceSessionClose(ctx, c.sess.ID())
		} else {
			err = c.endpoint.router.OnClientSessionClose(ctx, c.sess.ID())
		}
		if err != nil {
			c.endpoint.logger.Warn("session close cascade failed",
				"session_id", c.sess.ID(), "error", err)
		}

		close(c.send)
		c.ws.Close()

		c.endpoint.logger.Debug("websocket disconnected",
			"endpoint", string(c.endpoint.kind), "session_id", c.sess.ID(),
			"sessions", c.endpoint.sessions.Len())
	})
}
