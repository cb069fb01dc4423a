// Package server is the server runner: it resolves the one net.Listener
// the process accepts connections on, wires the HTTP/WS front door onto
// it, and owns the shutdown sequence triggered by SIGINT/SIGTERM/SIGHUP via
// signal.NotifyContext and http.Server.Shutdown.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/rs/zerolog"
)

// ListenerConfig is the subset of internal/config.Config the Runner needs
// to resolve a listener.
type ListenerConfig struct {
	PreopenedSocket bool // EDDNWS_SYSTEMD: take fd 3+ via the LISTEN_FDS protocol
	ListenPath      string
	ListenAddr      string
	ListenPort      int
}

// Runner owns the process lifecycle: resolve a listener, serve the Front
// Door's http.Handler on it, and shut down cleanly on signal or ctx
// cancellation.
type Runner struct {
	handler http.Handler
	logger  zerolog.Logger

	readHeaderTimeout time.Duration
	idleTimeout       time.Duration
	shutdownTimeout   time.Duration
}

// New constructs a Runner. readHeaderTimeout/idleTimeout come from
// httpapi.ServerTimeouts() so the Front Door and its timeout policy travel
// together.
func New(handler http.Handler, readHeaderTimeout, idleTimeout time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		handler:           handler,
		logger:            logger,
		readHeaderTimeout: readHeaderTimeout,
		idleTimeout:       idleTimeout,
		shutdownTimeout:   10 * time.Second,
	}
}

// ResolveListener resolves a listener by priority: a pre-opened
// systemd-style socket, then a Unix socket path, then a TCP addr:port.
// coreos/go-systemd's activation.Listeners parses LISTEN_PID/LISTEN_FDS
// and hands back the fds (starting at 3) as ready-made net.Listeners.
func ResolveListener(cfg ListenerConfig) (net.Listener, error) {
	if cfg.PreopenedSocket {
		listeners, err := activation.Listeners()
		if err != nil {
			return nil, fmt.Errorf("resolve systemd-passed listener: %w", err)
		}
		if len(listeners) == 0 || listeners[0] == nil {
			return nil, fmt.Errorf("resolve systemd-passed listener: no socket passed via LISTEN_FDS")
		}
		return listeners[0], nil
	}

	if cfg.ListenPath != "" {
		// Deliberately does not unlink an existing socket file first: a
		// still-live process holding that path would have its socket stolen
		// out from under it. net.Listen fails with EADDRINUSE in that case
		// and the operator is expected to clear a genuinely stale path
		// (e.g. left behind by a crash) themselves before restarting.
		ln, err := net.Listen("unix", cfg.ListenPath)
		if err != nil {
			return nil, fmt.Errorf("listen on unix socket %s: %w", cfg.ListenPath, err)
		}
		return ln, nil
	}

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Run serves on ln until ctx is cancelled or a terminating signal arrives,
// then shuts the http.Server down gracefully. It blocks until shutdown
// completes and returns any error from either Serve or Shutdown
// (http.ErrServerClosed is treated as a clean exit, not an error).
func (rn *Runner) Run(ctx context.Context, ln net.Listener) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	srv := &http.Server{
		Handler:           rn.handler,
		ReadHeaderTimeout: rn.readHeaderTimeout,
		IdleTimeout:       rn.idleTimeout,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		rn.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
		serveErrCh <- srv.Serve(ln)
	}()

	select {
	case <-sigCtx.Done():
		rn.logger.Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rn.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rn.logger.Warn().Err(err).Msg("graceful shutdown timed out, forcing close")
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}

	if err := <-serveErrCh; err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
