// Package httpapi is the HTTP/WS front door: a net/http handler that
// answers the health check, enforces connection_limit before and after the
// WebSocket handshake, and registers successfully upgraded connections with
// the relay, handing off to the relay's channel-actor Register/Unregister
// calls instead of a hub.register channel send.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/eddnws/internal/relay"
)

// maxMessageSize sizes the upgrader's read and write buffers. The 4096-byte
// inbound frame limit itself is applied by relay.Conn.ReadPump; clients send
// only pongs, so that limit only guards against a misbehaving or hostile
// client. A separately named
// inbound queue depth has no gorilla/websocket equivalent since there is no
// distinct control-frame queue to size — see DESIGN.md.
const maxMessageSize = 4096

// Relay is the subset of *relay.Relay the Front Door drives. Declared here,
// not imported as a concrete type, so the handler can be exercised against
// a fake in handler_test.go without spinning up the real event loop.
type Relay interface {
	CheckCapacity() error
	BufferCapacity() int
	SendText() bool
	Register(ctx context.Context, c *relay.Conn) error
	Unregister(c *relay.Conn)
}

// Handler implements http.Handler, dispatching ping_path and WebSocket
// upgrade requests. The zero value is not usable; construct with New.
type Handler struct {
	relay    Relay
	pingPath string
	logger   zerolog.Logger

	upgrader websocket.Upgrader
}

// New constructs a Handler. pingPath may be empty, in which case the health
// check is never matched and every request is treated as an upgrade
// attempt.
func New(r Relay, pingPath string, logger zerolog.Logger) *Handler {
	return &Handler{
		relay:    r,
		pingPath: pingPath,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    maxMessageSize,
			WriteBufferSize:   maxMessageSize,
			EnableCompression: true,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP routes each request:
//  1. GET ping_path -> 200 "OK\n", no upgrade.
//  2. over capacity -> 503 "Connection limit reached\n", no upgrade.
//  3. otherwise attempt the WebSocket handshake.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.pingPath != "" && r.URL.Path == h.pingPath {
		h.servePing(w)
		return
	}

	if err := h.relay.CheckCapacity(); err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejecting upgrade: over capacity")
		http.Error(w, "Connection limit reached", http.StatusServiceUnavailable) // http.Error appends the "\n"
		return
	}

	h.serveUpgrade(w, r)
}

func (h *Handler) servePing(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

// serveUpgrade performs the handshake, re-checks capacity (handshakes can
// complete in parallel and race past the pre-upgrade check), then registers
// the connection and blocks — one goroutine per connection, the net/http
// convention — until it closes, at which point it unregisters.
func (h *Handler) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if err := h.relay.CheckCapacity(); err != nil {
		h.logger.Warn().Err(err).Msg("rejecting post-upgrade: over capacity")
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(1013, "Connection limit reached"))
		_ = ws.Close()
		return
	}

	c := relay.NewConn(ws, h.relay.SendText(), h.relay.BufferCapacity(), h.logger)

	if err := h.relay.Register(r.Context(), c); err != nil {
		h.logger.Warn().Err(err).Str("conn_id", c.ID()).Msg("register rejected, closing")
		c.Close(1013, "Connection limit reached")
		return
	}

	go c.WritePump()
	go c.ReadPump()

	<-c.Done()
	h.relay.Unregister(c)
}

// ServerTimeouts returns the http.Server read-header and idle timeouts the
// server runner applies, kept here so the front door and its timeout
// policy travel together. Fixed constants rather than configuration, since
// operators have no documented knob for them.
func ServerTimeouts() (readHeaderTimeout, idleTimeout time.Duration) {
	return 10 * time.Second, 120 * time.Second
}
