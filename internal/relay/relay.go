// Package relay implements the core of the system: the coupled lifecycle
// of the upstream subscription, the broadcast fan-out to a dynamic
// connection set, back-pressure defenses, and the on-demand activation
// state machine. Everything here is owned and mutated by a single goroutine
// (Relay.Run); every other goroutine talks to it over channels — the
// idiomatic Go rendering of "there is exactly one writer per piece of
// state."
package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/eddnws/internal/decoder"
)

// lifecycleState is the relay's tagged lifecycle state.
type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateRunning
	stateStopPending
)

func (s lifecycleState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateRunning:
		return "RUNNING"
	case stateStopPending:
		return "STOP_PENDING"
	default:
		return "UNKNOWN"
	}
}

// Upstream is the subset of internal/upstream.Subscriber the Relay needs.
// Declared here (not imported) so relay stays decoupled from the NATS
// binding, per Go's interface-at-point-of-use convention.
type Upstream interface {
	Open(ctx context.Context) (<-chan []byte, <-chan error, error)
	Close()
}

// Decoder is the subset of decoder.Pool the Relay drives.
type Decoder interface {
	Pipeline(ctx context.Context, raw <-chan []byte) <-chan decoder.Outcome
}

// Config is the slice of internal/config.Config the Relay needs. Declared
// locally so relay does not import internal/config; cmd/eddnws, which
// constructs both, copies the fields across.
type Config struct {
	CloseDelay          time.Duration
	ConnectionLimit     int
	ClientBufferLimit   int
	ClientCheckInterval time.Duration
	SendText            bool
	IgnoreDecodeErrors  bool
}

// Metrics is an optional observation hook; a nil Metrics is valid and every
// call is skipped. Kept tiny and relay-local so internal/metrics can
// implement it without relay importing internal/metrics.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	EnvelopeBroadcast(fanout int)
	SlowConsumerEvicted()
	DecodeErrorSkipped(kind string)
	LifecycleTransition(from, to string)
}

// Relay owns the Connection Set, the Lifecycle State, and the upstream
// subscription. The zero value is not usable; construct with New.
type Relay struct {
	cfg      Config
	upstream Upstream
	dec      Decoder
	logger   zerolog.Logger
	metrics  Metrics

	conns map[*Conn]struct{}
	state lifecycleState

	addCh    chan *Conn
	removeCh chan *Conn

	stopCh     chan struct{} // closed exactly once: the global stop future
	stopReason error

	count int32 // atomic; mirrors len(conns) for lock-free reads from other goroutines
}

// New constructs a Relay. Run must be called to drive it.
func New(cfg Config, upstream Upstream, dec Decoder, logger zerolog.Logger, metrics Metrics) *Relay {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Relay{
		cfg:      cfg,
		upstream: upstream,
		dec:      dec,
		logger:   logger,
		metrics:  metrics,
		conns:    make(map[*Conn]struct{}),
		addCh:    make(chan *Conn),
		removeCh: make(chan *Conn),
		stopCh:   make(chan struct{}),
	}
}

// Eager reports whether close_delay < 0 — the upstream is connected for
// the whole process lifetime regardless of client presence.
func (r *Relay) Eager() bool { return r.cfg.CloseDelay < 0 }

// BufferCapacity derives the per-connection outbound channel depth from
// client_buffer_limit, so the channel rarely fills before the explicit
// limit check does (see DESIGN.md on the channel-length buffer proxy).
// Callers constructing a Conn (internal/httpapi) use this to size it.
func (r *Relay) BufferCapacity() int {
	if r.cfg.ClientBufferLimit <= 0 {
		return 0 // Conn.NewConn substitutes its own default
	}
	return r.cfg.ClientBufferLimit + 16
}

// SendText reports whether outbound frames should be text (vs binary).
func (r *Relay) SendText() bool { return r.cfg.SendText }

// Register admits a successfully upgraded connection and notifies the
// lifecycle controller: it adds the connection and notifies the controller
// so on-demand activation can react. It blocks until the event loop accepts
// it or ctx is cancelled.
func (r *Relay) Register(ctx context.Context, c *Conn) error {
	select {
	case r.addCh <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopCh:
		return &Stopped{Reason: "relay stopped"}
	}
}

// Unregister removes a connection and notifies the Lifecycle Controller.
// It does not block on ctx cancellation since shutdown must still drain
// departing connections.
func (r *Relay) Unregister(c *Conn) {
	select {
	case r.removeCh <- c:
	case <-r.stopCh:
	}
}

// Count returns the current size of the Connection Set. Backed by an
// atomic counter maintained alongside the map (which itself remains
// single-writer), so it is safe to call from any goroutine — in
// particular internal/httpapi's pre-upgrade capacity check, which runs on
// a per-connection goroutine rather than the event loop.
func (r *Relay) Count() int { return int(atomic.LoadInt32(&r.count)) }

// StopFuture returns the global stop future: a channel closed when Run
// returns, whether because ctx was cancelled or because Run stopped itself.
// StopReason reports why.
func (r *Relay) StopFuture() <-chan struct{} { return r.stopCh }

// StopReason returns the reason recorded when the stop future resolved, or
// nil if it hasn't resolved yet.
func (r *Relay) StopReason() error { return r.stopReason }

// CheckCapacity reports whether a new connection may be admitted given
// connection_limit. internal/httpapi calls this both before and after the
// WebSocket handshake, since handshakes can complete in parallel and race
// past the first check.
func (r *Relay) CheckCapacity() error {
	if r.cfg.ConnectionLimit > 0 && r.Count() >= r.cfg.ConnectionLimit {
		return &OverCapacity{Limit: r.cfg.ConnectionLimit}
	}
	return nil
}

// Run is the Relay's single event-loop goroutine. It owns the Connection
// Set, the Lifecycle State, the upstream subscription, and the Broadcast
// Loop's decoded-envelope channel, selecting over all of them the way the
// teacher's Hub.Run selects over register/unregister/broadcast (adapted
// here to add the lifecycle timer and the upstream fatal-error channel).
// Run returns when ctx is cancelled or the stop future resolves.
func (r *Relay) Run(ctx context.Context) error {
	defer close(r.stopCh)

	var (
		envelopes <-chan decoder.Outcome
		fatal     <-chan error
		timer     *time.Timer
		timerC    <-chan time.Time

		monitorTicker *time.Ticker
		monitorC      <-chan time.Time
	)

	monitorEnabled := r.cfg.ClientCheckInterval > 0 && r.cfg.ClientBufferLimit > 0

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	startMonitor := func() {
		if !monitorEnabled || monitorTicker != nil {
			return
		}
		monitorTicker = time.NewTicker(r.cfg.ClientCheckInterval)
		monitorC = monitorTicker.C
	}
	stopMonitor := func() {
		if monitorTicker != nil {
			monitorTicker.Stop()
			monitorTicker = nil
			monitorC = nil
		}
	}

	var upstreamCtx context.Context
	var upstreamCancel context.CancelFunc

	// start reports false when the upstream could not be opened; the caller
	// must then resolve the stop future and unwind Run, since a RUNNING or
	// STOP_PENDING connection count with no envelopes/fatal channel would
	// otherwise leave the event loop blocked forever on a select that can
	// never fire.
	start := func() bool {
		if r.state == stateRunning {
			r.logger.Warn().Msg("lifecycle: start requested while already running")
			return true
		}
		upstreamCtx, upstreamCancel = context.WithCancel(ctx)
		raw, errs, err := r.upstream.Open(upstreamCtx)
		if err != nil {
			r.logger.Error().Err(err).Msg("upstream open failed")
			r.resolveStop(&Stopped{Reason: "upstream open failed", Err: err})
			return false
		}
		envelopes = r.dec.Pipeline(upstreamCtx, raw)
		fatal = errs
		startMonitor()
		r.transition(stateRunning)
		return true
	}

	stop := func() {
		if r.state == stateIdle {
			r.logger.Warn().Msg("lifecycle: stop requested while already idle")
			return
		}
		stopTimer()
		stopMonitor()
		if upstreamCancel != nil {
			upstreamCancel()
		}
		r.upstream.Close()
		envelopes = nil
		fatal = nil
		r.transition(stateIdle)
	}

	if r.Eager() {
		if !start() {
			return r.stopReason
		}
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()

		case c := <-r.addCh:
			r.conns[c] = struct{}{}
			atomic.StoreInt32(&r.count, int32(len(r.conns)))
			r.metrics.ConnectionOpened()
			if !r.onConnAdded(start, stopTimer) {
				return r.stopReason
			}

		case c := <-r.removeCh:
			delete(r.conns, c)
			atomic.StoreInt32(&r.count, int32(len(r.conns)))
			r.metrics.ConnectionClosed()
			r.onConnRemoved(&timer, &timerC, stop)

		case <-timerC:
			timerC = nil
			timer = nil
			stop()

		case <-monitorC:
			r.sweep()

		case err := <-fatal:
			if err == nil {
				continue
			}
			r.logger.Error().Err(err).Msg("upstream ended fatally")
			stop()
			r.resolveStop(err)
			return err

		case outcome, ok := <-envelopes:
			if !ok {
				envelopes = nil
				continue
			}
			if fatalErr := r.broadcast(outcome); fatalErr != nil {
				stop()
				return fatalErr
			}
		}
	}
}

// onConnAdded implements the IDLE->RUNNING and STOP_PENDING->RUNNING rows
// of the lifecycle transition table. In eager mode it returns true at once
// without touching the state, since envelopes are always flowing. Returns
// false when an IDLE->RUNNING start
// failed to open the upstream, signaling the caller to unwind Run.
func (r *Relay) onConnAdded(start func() bool, stopTimer func()) bool {
	if r.Eager() {
		return true
	}
	switch r.state {
	case stateIdle:
		return start()
	case stateStopPending:
		stopTimer()
		r.transition(stateRunning)
	}
	return true
}

// onConnRemoved implements the RUNNING->STOP_PENDING row: arms a timer for
// close_delay once the Connection Set is empty.
func (r *Relay) onConnRemoved(timer **time.Timer, timerC *<-chan time.Time, stop func()) {
	if r.Eager() {
		return
	}
	if len(r.conns) > 0 || r.state != stateRunning {
		return
	}
	if r.cfg.CloseDelay == 0 {
		stop()
		return
	}
	*timer = time.NewTimer(r.cfg.CloseDelay)
	*timerC = (*timer).C
	r.transition(stateStopPending)
}

func (r *Relay) transition(to lifecycleState) {
	r.metrics.LifecycleTransition(r.state.String(), to.String())
	r.logger.Info().Str("from", r.state.String()).Str("to", to.String()).Msg("lifecycle transition")
	r.state = to
}

func (r *Relay) resolveStop(reason error) {
	if r.stopReason == nil {
		r.stopReason = reason
	}
}

// broadcast implements the per-envelope fan-out step: skip non-OPEN
// connections, evict over-buffer connections inline, otherwise enqueue. The
// Connection Set is iterated directly rather than copied, which is safe
// here because only this goroutine ever mutates it — a defensive copy is
// needed only in runtimes where iteration can be invalidated by a
// concurrent writer; Go's single-owner channel-actor pattern already rules
// that out. It returns a non-nil error when a non-ignored decode failure
// must terminate the engine, propagated as a fatal upstream error; Run
// stops and exits then.
func (r *Relay) broadcast(outcome decoder.Outcome) error {
	if outcome.Err != nil {
		r.metrics.DecodeErrorSkipped(decodeKind(outcome.Err))
		if r.cfg.IgnoreDecodeErrors {
			r.logger.Error().Err(outcome.Err).Msg("dropping undecodable payload")
			return nil
		}
		fatalErr := &Stopped{Reason: "decode error", Err: outcome.Err}
		r.logger.Error().Err(fatalErr).Msg("fatal decode error, stopping")
		r.resolveStop(fatalErr)
		return fatalErr
	}

	fanout := 0
	for c := range r.conns {
		if !c.Open() {
			continue
		}
		if r.cfg.ClientBufferLimit > 0 && c.BufferedLen() >= r.cfg.ClientBufferLimit {
			r.evict(c)
			continue
		}
		if c.Enqueue(outcome.Envelope) {
			fanout++
		} else {
			// Outbound channel itself is full: the client is at least as
			// far behind as the buffer proxy can represent.
			r.evict(c)
		}
	}
	r.metrics.EnvelopeBroadcast(fanout)
	return nil
}

// evict schedules a back-pressure close without blocking the broadcast
// step: the monitor never blocks on a close, it spawns the close as a
// detached task. Conn.Close is itself non-blocking enough that a bare
// goroutine is sufficient here — no task-group bookkeeping is needed since
// Close's closeOnce makes it safe however many times it's invoked.
func (r *Relay) evict(c *Conn) {
	r.metrics.SlowConsumerEvicted()
	go c.Close(1008, "Write buffer overrun")
}

// sweep is the buffer monitor's periodic check: evict every open
// connection whose buffered length strictly exceeds client_buffer_limit. It
// runs inline on the event-loop goroutine (driven by monitorC in Run)
// rather than a separate goroutine, so it can iterate the Connection Set
// directly without a copy or a lock — the same single-writer guarantee
// broadcast relies on. A panic here is recovered so one bad iteration can't
// take down the whole relay.
func (r *Relay) sweep() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("buffer monitor recovered from panic")
		}
	}()
	for c := range r.conns {
		if !c.Open() {
			continue
		}
		if c.BufferedLen() > r.cfg.ClientBufferLimit {
			r.evict(c)
		}
	}
}

func decodeKind(err error) string {
	var de *decoder.Error
	if errors.As(err, &de) {
		return string(de.Kind)
	}
	return "unknown"
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()                  {}
func (noopMetrics) ConnectionClosed()                  {}
func (noopMetrics) EnvelopeBroadcast(int)              {}
func (noopMetrics) SlowConsumerEvicted()               {}
func (noopMetrics) DecodeErrorSkipped(string)          {}
func (noopMetrics) LifecycleTransition(string, string) {}
