package server

import (
	"bytes"
	"compress/zlib"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/eddnws/internal/decoder"
	"github.com/adred-codev/eddnws/internal/httpapi"
	"github.com/adred-codev/eddnws/internal/relay"
)

// fakeUpstream lets the integration test drive the upstream side of the
// relay without a real NATS connection, mirroring internal/relay's own
// fakeUpstream.
type fakeUpstream struct {
	raw  chan []byte
	errs chan error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{raw: make(chan []byte, 16), errs: make(chan error, 1)}
}

func (f *fakeUpstream) Open(ctx context.Context) (<-chan []byte, <-chan error, error) {
	return f.raw, f.errs, nil
}

func (f *fakeUpstream) Close() {}

func compress(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("compress close: %v", err)
	}
	return buf.Bytes()
}

// newHarness wires a relay, decoder pool, and HTTP Front Door behind a real
// loopback TCP listener, exactly the way cmd/eddnws does, so the S1-S3, S5
// and S6 scenarios can be exercised end to end against an in-process fake
// upstream (S4 is covered by internal/relay's TestGracePeriod).
func newHarness(t *testing.T, cfg relay.Config, pingPath string) (addr string, up *fakeUpstream, r *relay.Relay, cancel context.CancelFunc) {
	t.Helper()

	up = newFakeUpstream()
	ctx, cancelFn := context.WithCancel(context.Background())

	pool := decoder.NewPool(ctx, 2, 4, 0, zerolog.Nop())
	t.Cleanup(pool.Close)

	r = relay.New(cfg, up, pool, zerolog.Nop(), nil)
	relayErrCh := make(chan error, 1)
	go func() { relayErrCh <- r.Run(ctx) }()

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.New(r, pingPath, zerolog.Nop()))

	ln, err := ResolveListener(ListenerConfig{ListenAddr: "127.0.0.1", ListenPort: 0})
	if err != nil {
		t.Fatalf("resolve listener: %v", err)
	}
	addr = ln.Addr().String()

	runHeaderTimeout, idleTimeout := httpapi.ServerTimeouts()
	runner := New(mux, runHeaderTimeout, idleTimeout, zerolog.Nop())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- runner.Run(ctx, ln) }()

	waitForListening(t, addr)

	t.Cleanup(func() {
		cancelFn()
		<-relayErrCh
		<-runErrCh
	})

	return addr, up, r, cancelFn
}

// TestS1Ping verifies ping_path answers 200 without touching the
// Connection Set.
func TestS1Ping(t *testing.T) {
	addr, _, r, _ := newHarness(t, relay.Config{CloseDelay: -1}, "/ping")

	resp, err := http.Get("http://" + addr + "/ping")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("content-type = %s, want text/plain", ct)
	}
	if r.Count() != 0 {
		t.Fatalf("connection count = %d, want 0", r.Count())
	}
}

// TestS2Canonicalization verifies end to end that a compressed
// out-of-order payload is delivered to a connected client in canonical,
// key-sorted form.
func TestS2Canonicalization(t *testing.T) {
	addr, up, _, _ := newHarness(t, relay.Config{CloseDelay: -1}, "/ping")

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	up.raw <- compress(t, `{"b":1,"$schemaRef":"x","a":[2,{"d":4,"c":3}]}`)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := `{"$schemaRef":"x","a":[2,{"c":3,"d":4}],"b":1}`
	if string(msg) != want {
		t.Fatalf("got %s, want %s", msg, want)
	}
}

// TestS3SchemaRejectIgnored verifies the ignore_decode_errors=true case:
// an undecodable payload is dropped silently and the subscription keeps
// running.
func TestS3SchemaRejectIgnored(t *testing.T) {
	addr, up, r, _ := newHarness(t, relay.Config{CloseDelay: -1, IgnoreDecodeErrors: true}, "/ping")

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	up.raw <- compress(t, `{"no":"schema"}`)
	up.raw <- compress(t, `{"$schemaRef":"x","n":1}`)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"$schemaRef":"x","n":1}` {
		t.Fatalf("got %s, want the second, decodable envelope", msg)
	}
	if r.StopReason() != nil {
		t.Fatalf("relay stopped unexpectedly: %v", r.StopReason())
	}
}

// TestS3SchemaRejectFatal verifies the ignore_decode_errors=false case: an
// undecodable payload terminates the relay.
func TestS3SchemaRejectFatal(t *testing.T) {
	_, up, r, _ := newHarness(t, relay.Config{CloseDelay: -1, IgnoreDecodeErrors: false}, "/ping")

	up.raw <- compress(t, `{"no":"schema"}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.StopReason() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	if r.StopReason() == nil {
		t.Fatal("expected the relay to resolve a stop reason after a non-ignored decode error")
	}
}

// TestS5Capacity verifies the third connection attempt against
// connection_limit=2 is rejected with 503 pre-upgrade.
func TestS5Capacity(t *testing.T) {
	addr, _, r, _ := newHarness(t, relay.Config{CloseDelay: -1, ConnectionLimit: 2}, "/ping")

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.Count() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Count() != 2 {
		t.Fatalf("connection count = %d, want 2 before testing the capacity rejection", r.Count())
	}

	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

// TestS6SlowConsumer verifies a connection whose buffered length exceeds
// client_buffer_limit is evicted with code 1008 within one monitor sweep.
func TestS6SlowConsumer(t *testing.T) {
	addr, up, _, _ := newHarness(t, relay.Config{
		CloseDelay:          -1,
		ClientBufferLimit:   1,
		ClientCheckInterval: 20 * time.Millisecond,
	}, "/ping")

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Flood several envelopes back to back with no read in between, so the
	// outbound queue backs up past client_buffer_limit=1 regardless of how
	// fast the loopback connection drains individual frames.
	for i := 0; i < 8; i++ {
		up.raw <- compress(t, `{"$schemaRef":"x","n":1}`)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var gotClose bool
	for !gotClose {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code == 1008 {
				gotClose = true
			}
			break
		}
	}
	if !gotClose {
		t.Fatal("expected close code 1008 for slow consumer")
	}
}
