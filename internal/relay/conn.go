package relay

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait/pingPeriod keep the connection alive; clients send only
	// pongs, since the server reads no application messages from them.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// defaultBufferCapacity is the outbound channel depth used when
	// client_buffer_limit is 0 (unlimited); large enough that ordinary
	// bursts never hit it.
	defaultBufferCapacity = 256
)

// Conn is one live WebSocket client: a *websocket.Conn plus the outbound
// channel whose length stands in for "transport write-buffer size" (see
// DESIGN.md — gorilla/websocket exposes no OS send-buffer query). Trimmed of
// client-driven ping/pong fast-path handlers since no application messages
// are expected from clients.
type Conn struct {
	id         string
	remoteAddr string

	ws   *websocket.Conn
	send chan []byte

	sendText bool
	logger   zerolog.Logger

	open      int32 // atomic; 1 while OPEN
	closeOnce sync.Once
	closeCh   chan struct{} // closed once the connection has fully shut down

	connectedAt time.Time
}

// NewConn wraps an already-upgraded websocket connection. bufferCapacity
// sizes the outbound channel; callers should derive it from
// client_buffer_limit when set (see Relay.BufferCapacity).
func NewConn(ws *websocket.Conn, sendText bool, bufferCapacity int, logger zerolog.Logger) *Conn {
	if bufferCapacity <= 0 {
		bufferCapacity = defaultBufferCapacity
	}
	id := generateID()
	return &Conn{
		id:          id,
		remoteAddr:  ws.RemoteAddr().String(),
		ws:          ws,
		send:        make(chan []byte, bufferCapacity),
		sendText:    sendText,
		logger:      logger.With().Str("conn_id", id).Logger(),
		open:        1,
		closeCh:     make(chan struct{}),
		connectedAt: time.Now(),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Open reports whether the connection is still in protocol state OPEN.
func (c *Conn) Open() bool { return atomic.LoadInt32(&c.open) == 1 }

// BufferedLen returns the number of envelopes queued but not yet written —
// the write-buffer-size proxy checked against client_buffer_limit.
func (c *Conn) BufferedLen() int { return len(c.send) }

// Enqueue queues an envelope for delivery without blocking. It returns
// false if the outbound channel is full (itself grounds for eviction by
// the caller) or the connection is already closed.
func (c *Conn) Enqueue(envelope []byte) bool {
	if !c.Open() {
		return false
	}
	select {
	case c.send <- envelope:
		return true
	default:
		return false
	}
}

// Close transitions the connection out of OPEN, sends a WebSocket close
// frame with code/reason, and releases the underlying socket. Safe to call
// more than once or concurrently; only the first call has effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.open, 0)
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason))
		_ = c.ws.Close()
		close(c.closeCh)
	})
}

// Done returns a channel closed once the connection has been closed,
// useful for a front-door handler awaiting connection teardown.
func (c *Conn) Done() <-chan struct{} { return c.closeCh }

// WritePump drains the outbound channel onto the socket and sends periodic
// pings. It returns when a write fails or the connection is closed;
// envelopes still queued at Close are not written.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	frameType := websocket.BinaryMessage
	if c.sendText {
		frameType = websocket.TextMessage
	}

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(frameType, msg); err != nil {
				c.logger.Warn().Err(&ClientSendError{ConnID: c.id, Err: err}).Msg("client send failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// ReadPump discards everything except pongs/close frames — the server
// never consumes application data from clients.
func (c *Conn) ReadPump() {
	defer c.Close(websocket.CloseNormalClosure, "")

	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func generateID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
