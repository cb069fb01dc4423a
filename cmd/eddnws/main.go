// Command eddnws relays one upstream pub/sub stream to many WebSocket
// clients. Flags override internal/config.Load's environment-derived
// defaults, layering a thin flag surface on top of env-driven
// configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/eddnws/internal/config"
	"github.com/adred-codev/eddnws/internal/decoder"
	"github.com/adred-codev/eddnws/internal/httpapi"
	"github.com/adred-codev/eddnws/internal/logging"
	"github.com/adred-codev/eddnws/internal/metrics"
	"github.com/adred-codev/eddnws/internal/relay"
	"github.com/adred-codev/eddnws/internal/server"
	"github.com/adred-codev/eddnws/internal/sysmetrics"
	"github.com/adred-codev/eddnws/internal/upstream"
)

// verboseCount implements flag.Value so -v/--verbose can be repeated.
type verboseCount int

func (v *verboseCount) String() string { return fmt.Sprintf("%d", int(*v)) }
func (v *verboseCount) Set(string) error {
	*v++
	return nil
}
func (v *verboseCount) IsBoolFlag() bool { return true } // allows bare -v, no argument

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	verbose := applyFlags(cfg)

	level := logging.ClampVerbosity(cfg.ZerologLevel(), int(verbose))
	logger := logging.New(level, cfg.LogFormat)

	metricsRegistry := metrics.NewRegistry()

	up := upstream.New(upstream.Options{
		URL:                  cfg.UpstreamURL,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		ReconnectIvlMax:      cfg.ReconnectIvlMax,
		RecvBacklog:          cfg.RecvBacklog,
		MaxCompressedMsgSize: cfg.MaxCompressedMsgSize,
	}, logger.With().Str("component", "upstream").Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := decoder.NewPool(ctx, cfg.DecodeWorkers, cfg.DecodeQueueSize, cfg.MsgSizeLimit,
		logger.With().Str("component", "decoder").Logger())
	defer pool.Close()

	r := relay.New(relay.Config{
		CloseDelay:          cfg.CloseDelay,
		ConnectionLimit:     cfg.ConnectionLimit,
		ClientBufferLimit:   cfg.ClientBufferLimit,
		ClientCheckInterval: cfg.ClientCheckInterval,
		SendText:            cfg.SendText,
		IgnoreDecodeErrors:  cfg.IgnoreDecodeErrors,
	}, up, pool, logger.With().Str("component", "relay").Logger(), metricsRegistry)

	relayErrCh := make(chan error, 1)
	go func() { relayErrCh <- r.Run(ctx) }()

	poller := sysmetrics.NewPoller(cfg.MetricsInterval, metricsRegistry,
		logger.With().Str("component", "sysmetrics").Logger())
	go poller.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.New(r, cfg.PingPath, logger))
	if cfg.MetricsPath != "" {
		mux.Handle(cfg.MetricsPath, metricsRegistry.Handler())
	}

	ln, err := server.ResolveListener(server.ListenerConfig{
		PreopenedSocket: cfg.PreopenedSocket,
		ListenPath:      cfg.ListenPath,
		ListenAddr:      cfg.ListenAddr,
		ListenPort:      cfg.ListenPort,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("resolve listener: %w", err)
	}

	readHeaderTimeout, idleTimeout := httpapi.ServerTimeouts()
	runner := server.New(mux, readHeaderTimeout, idleTimeout, logger)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- runner.Run(ctx, ln) }()

	select {
	case err := <-runErrCh:
		cancel()
		<-relayErrCh
		return err
	case err := <-relayErrCh:
		logger.Error().Err(err).Msg("relay stopped unexpectedly, shutting down")
		cancel()
		<-runErrCh
		return err
	}
}

// applyFlags overrides cfg with any flags the operator passed and returns
// the -v/--verbose repeat count.
func applyFlags(cfg *config.Config) verboseCount {
	var verbose verboseCount

	flag.Var(&verbose, "v", "increase log verbosity (repeatable)")
	flag.Var(&verbose, "verbose", "increase log verbosity (repeatable)")
	systemd := flag.Bool("systemd", cfg.PreopenedSocket, "consume an externally passed socket (LISTEN_FDS)")
	pingPath := flag.String("ping-path", cfg.PingPath, "HTTP health check path")
	url := flag.String("u", cfg.UpstreamURL, "upstream url")
	flag.StringVar(url, "url", cfg.UpstreamURL, "upstream url")
	closeDelay := flag.Duration("d", cfg.CloseDelay, "upstream close delay after last client disconnects; negative means eager")
	flag.DurationVar(closeDelay, "zmq-close-delay", cfg.CloseDelay, "upstream close delay after last client disconnects; negative means eager")
	sizeLimit := flag.Int64("size-limit", cfg.MsgSizeLimit, "maximum decoded envelope size in bytes (0 = unlimited)")
	heartbeatIvl := flag.Duration("zmq-HEARTBEAT_IVL", cfg.HeartbeatInterval, "upstream heartbeat interval")
	heartbeatTimeout := flag.Duration("zmq-HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout, "upstream heartbeat timeout")
	reconnectIvlMax := flag.Duration("zmq-RECONNECT_IVL_MAX", cfg.ReconnectIvlMax, "upstream max reconnect wait")
	recvBacklog := flag.Int("zmq-RCVHWM", cfg.RecvBacklog, "upstream receive backlog limit")
	socketPath := flag.String("s", cfg.ListenPath, "unix socket path to listen on")
	flag.StringVar(socketPath, "socket", cfg.ListenPath, "unix socket path to listen on")
	addr := flag.String("a", cfg.ListenAddr, "tcp listen address")
	flag.StringVar(addr, "addr", cfg.ListenAddr, "tcp listen address")
	port := flag.Int("p", cfg.ListenPort, "tcp listen port")
	flag.IntVar(port, "port", cfg.ListenPort, "tcp listen port")
	connLimit := flag.Int("connection-limit", cfg.ConnectionLimit, "maximum concurrent connections (0 = unlimited)")
	bufLimit := flag.Int("client-buffer-limit", cfg.ClientBufferLimit, "per-connection outbound buffer limit, counted in queued envelopes, not bytes (0 = unlimited)")
	checkInterval := flag.Duration("client-check-interval", cfg.ClientCheckInterval, "buffer monitor sweep interval")

	flag.Parse()

	cfg.PreopenedSocket = *systemd
	cfg.PingPath = *pingPath
	cfg.UpstreamURL = *url
	cfg.CloseDelay = *closeDelay
	cfg.MsgSizeLimit = *sizeLimit
	cfg.HeartbeatInterval = *heartbeatIvl
	cfg.HeartbeatTimeout = *heartbeatTimeout
	cfg.ReconnectIvlMax = *reconnectIvlMax
	cfg.RecvBacklog = *recvBacklog
	cfg.ListenPath = *socketPath
	cfg.ListenAddr = *addr
	cfg.ListenPort = *port
	cfg.ConnectionLimit = *connLimit
	cfg.ClientBufferLimit = *bufLimit
	cfg.ClientCheckInterval = *checkInterval

	return verbose
}
