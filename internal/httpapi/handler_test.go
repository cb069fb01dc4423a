package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/eddnws/internal/relay"
)

// fakeRelay lets tests control CheckCapacity independently of a running
// relay.Relay, and records Register/Unregister calls.
type fakeRelay struct {
	capacityErr error
	registerErr error
	bufferCap   int
	sendText    bool

	mu           sync.Mutex
	registered   []*relay.Conn
	unregistered []*relay.Conn
}

func (f *fakeRelay) CheckCapacity() error { return f.capacityErr }
func (f *fakeRelay) BufferCapacity() int  { return f.bufferCap }
func (f *fakeRelay) SendText() bool       { return f.sendText }
func (f *fakeRelay) Register(ctx context.Context, c *relay.Conn) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.mu.Lock()
	f.registered = append(f.registered, c)
	f.mu.Unlock()
	return nil
}
func (f *fakeRelay) Unregister(c *relay.Conn) {
	f.mu.Lock()
	f.unregistered = append(f.unregistered, c)
	f.mu.Unlock()
}

func (f *fakeRelay) registeredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registered)
}

func (f *fakeRelay) unregisteredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unregistered)
}

// TestPing exercises S1: GET ping_path returns 200, body "OK\n",
// Content-Type text/plain, without touching the relay at all.
func TestPing(t *testing.T) {
	f := &fakeRelay{capacityErr: errAlwaysOverCapacity{}}
	h := New(f, "/ping", zerolog.Nop())

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("content-type = %q, want text/plain", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK\n" {
		t.Fatalf("body = %q, want %q", body, "OK\n")
	}
}

// TestCapacityRejectionPreUpgrade exercises S5's 503 branch: an upgrade
// attempt while CheckCapacity already reports OverCapacity never reaches
// the gorilla upgrader.
func TestCapacityRejectionPreUpgrade(t *testing.T) {
	f := &fakeRelay{capacityErr: &relay.OverCapacity{Limit: 2}}
	h := New(f, "/ping", zerolog.Nop())

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Connection limit reached\n" {
		t.Fatalf("body = %q, want %q", body, "Connection limit reached\n")
	}
	if n := f.registeredCount(); n != 0 {
		t.Fatalf("expected no registration, got %d", n)
	}
}

// TestUpgradeRegistersAndUnregisters exercises the happy path: a real
// handshake results in exactly one Register, and closing the client side
// results in exactly one Unregister once ReadPump observes the EOF.
func TestUpgradeRegistersAndUnregisters(t *testing.T) {
	f := &fakeRelay{bufferCap: 8, sendText: true}
	h := New(f, "/ping", zerolog.Nop())

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):] + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitFor(t, func() bool { return f.registeredCount() == 1 })

	client.Close()

	waitFor(t, func() bool { return f.unregisteredCount() == 1 })
}

// TestCapacityRejectionPostUpgrade exercises S5's 1013 branch: capacity is
// only exceeded on the *second* check, simulating a race between two
// handshakes that both passed the pre-upgrade check.
func TestCapacityRejectionPostUpgrade(t *testing.T) {
	f := &sequencedCapacityRelay{results: []error{nil, &relay.OverCapacity{Limit: 1}}}
	h := New(f, "/ping", zerolog.Nop())

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):] + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	_, _, err = client.ReadMessage()
	if err == nil {
		t.Fatal("expected a close error")
	}
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != 1013 {
		t.Fatalf("got %v, want close code 1013", err)
	}
}

type errAlwaysOverCapacity struct{}

func (errAlwaysOverCapacity) Error() string { return "over capacity" }

// sequencedCapacityRelay returns each entry in results once, in order,
// from CheckCapacity, so a test can distinguish the pre-upgrade call from
// the post-upgrade one.
type sequencedCapacityRelay struct {
	results []error
	calls   int
}

func (s *sequencedCapacityRelay) CheckCapacity() error {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i]
}
func (s *sequencedCapacityRelay) BufferCapacity() int { return 8 }
func (s *sequencedCapacityRelay) SendText() bool      { return true }
func (s *sequencedCapacityRelay) Register(ctx context.Context, c *relay.Conn) error {
	return nil
}
func (s *sequencedCapacityRelay) Unregister(c *relay.Conn) {}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
