// Package upstream wraps the single publish/subscribe endpoint the relay
// pulls from. The nominal wire transport is a ZeroMQ SUB socket with no
// topic filter; no ZeroMQ binding was available to build on, so NATS stands
// in for it here: upstream_url is a NATS server URL, and a wildcard
// subscription to ">" stands in for ZMQ's empty-filter subscribe-to-all
// (the Options field comments give the mapping of zmq_* knobs onto
// nats.Option).
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Options configures the subscriber. Field names mirror the configuration
// surface exactly; comments note the NATS option each maps onto.
type Options struct {
	URL string // upstream_url

	HeartbeatInterval time.Duration // zmq_HEARTBEAT_IVL -> nats.PingInterval
	HeartbeatTimeout  time.Duration // zmq_HEARTBEAT_TIMEOUT -> nats.MaxPingsOutstanding budget
	ReconnectIvlMax   time.Duration // zmq_RECONNECT_IVL_MAX -> nats.ReconnectWait
	RecvBacklog       int           // zmq_RCVHWM -> subscription pending message limit

	// MaxCompressedMsgSize maps to zmq_MAXMSGSIZE (-1 = unlimited); NATS has
	// no raw frame cap option, so this is enforced by the subscriber on
	// each received message before handing it to the Decoder.
	MaxCompressedMsgSize int64
}

// Fatal is returned on the error channel when the upstream connection fails
// in a way the engine cannot recover from on its own — the caller is
// expected to tear the whole engine down and let its process supervisor
// restart it.
type Fatal struct {
	Reason string
	Err    error
}

func (e *Fatal) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream fatal: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("upstream fatal: %s", e.Reason)
}

func (e *Fatal) Unwrap() error { return e.Err }

// Subscriber owns a single NATS connection and subscription at a time. Open
// is not safe for concurrent calls, nor concurrent with Close. Each Open
// resets closeOnce, so Close releases every connection Open creates and
// repeated Close calls for the same connection are no-ops. Open's ctx.Done
// watcher goroutine closes the connection and subscription that Open call
// created, never a later one.
type Subscriber struct {
	opts   Options
	logger zerolog.Logger

	conn *nats.Conn
	sub  *nats.Subscription

	closeOnce sync.Once
}

// New constructs a Subscriber. The connection is established lazily by
// Open, a scoped acquisition released on every exit path.
func New(opts Options, logger zerolog.Logger) *Subscriber {
	return &Subscriber{opts: opts, logger: logger}
}

// Open connects, subscribes to every subject, and returns a channel of raw
// (still-compressed) payloads plus a channel that receives at most one
// *Fatal. The payload channel is closed when the connection closes (ctx
// cancelled, Close called, or the NATS client giving up); the error channel
// is never closed, and receives its *Fatal whenever the connection closes,
// Close included.
func (s *Subscriber) Open(ctx context.Context) (<-chan []byte, <-chan error, error) {
	s.closeOnce = sync.Once{}
	msgs := make(chan []byte, s.backlogOrDefault())
	fatal := make(chan error, 1)

	connected := make(chan struct{})

	opts := []nats.Option{
		nats.MaxReconnects(-1), // unlimited; reconnect policy is reconnectIvlMax-bounded, not attempt-bounded
		nats.ReconnectWait(s.opts.ReconnectIvlMax),
		nats.PingInterval(s.opts.HeartbeatInterval),
		nats.MaxPingsOutstanding(maxPingsFor(s.opts.HeartbeatInterval, s.opts.HeartbeatTimeout)),
		nats.ConnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("url", c.ConnectedUrl()).Msg("upstream connected")
			select {
			case <-connected:
			default:
				close(connected)
			}
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn().Err(err).Msg("upstream disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("url", c.ConnectedUrl()).Msg("upstream reconnected")
		}),
		nats.ClosedHandler(func(c *nats.Conn) {
			s.logger.Warn().Msg("upstream connection closed")
			select {
			case fatal <- &Fatal{Reason: "upstream connection closed"}:
			default:
			}
			close(msgs)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			s.logger.Error().Err(err).Msg("upstream async error")
		}),
	}

	conn, err := nats.Connect(s.opts.URL, opts...)
	if err != nil {
		close(msgs)
		return msgs, fatal, &Fatal{Reason: "connect failed", Err: err}
	}
	s.conn = conn

	sub, err := conn.Subscribe(">", func(m *nats.Msg) {
		if s.opts.MaxCompressedMsgSize >= 0 && int64(len(m.Data)) > s.opts.MaxCompressedMsgSize {
			s.logger.Warn().Int("size", len(m.Data)).Msg("dropping frame over max_compressed_msg_size")
			return
		}
		select {
		case msgs <- m.Data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		conn.Close()
		close(msgs)
		return msgs, fatal, &Fatal{Reason: "subscribe failed", Err: err}
	}
	if s.opts.RecvBacklog > 0 {
		if err := sub.SetPendingLimits(s.opts.RecvBacklog, -1); err != nil {
			s.logger.Warn().Err(err).Msg("failed to set recv backlog limit")
		}
	}
	s.sub = sub

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		conn.Close()
	}()

	return msgs, fatal, nil
}

// Close unsubscribes and disconnects with zero linger so pending outbound
// bytes are discarded immediately. Safe to call multiple times, including
// concurrently with itself: closeOnce, reset by each Open, ensures the
// teardown body runs once per connection.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
			s.sub = nil
		}
		if s.conn != nil {
			s.conn.Close() // nats.Conn.Close drops unflushed writes; the zero-linger analog
			s.conn = nil
		}
	})
}

func (s *Subscriber) backlogOrDefault() int {
	if s.opts.RecvBacklog > 0 {
		return s.opts.RecvBacklog
	}
	return 1000
}

// maxPingsFor derives a MaxPingsOutstanding budget from the configured
// heartbeat interval/timeout so that roughly heartbeatTimeout worth of
// missed pings trips the connection as dead, mirroring ZMQ's
// HEARTBEAT_IVL/HEARTBEAT_TIMEOUT pair.
func maxPingsFor(interval, timeout time.Duration) int {
	if interval <= 0 {
		return 2
	}
	n := int(timeout / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// ErrClosed is returned by callers that observe the message channel close
// without ever having seen a Fatal error (e.g. the engine called Close
// itself during normal shutdown).
var ErrClosed = errors.New("upstream: subscriber closed")
