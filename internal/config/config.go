// Package config loads and validates the relay's runtime configuration.
//
// Values are read from the environment (optionally via a .env file) and may
// then be overridden by CLI flags in cmd/eddnws/main.go. Tags follow
// caarlos0/env conventions:
//
//	env: environment variable name
//	envDefault: default value if not set
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every option recognized by the relay, including the ambient
// logging/metrics/decode-offload options carried regardless of which
// features are in scope for a given deployment.
type Config struct {
	// Upstream
	UpstreamURL         string        `env:"EDDNWS_UPSTREAM_URL" envDefault:"nats://localhost:4222"`
	MsgSizeLimit        int64         `env:"EDDNWS_MSG_SIZE_LIMIT" envDefault:"0"`
	IgnoreDecodeErrors  bool          `env:"EDDNWS_IGNORE_DECODE_ERRORS" envDefault:"true"`
	HeartbeatInterval   time.Duration `env:"EDDNWS_HEARTBEAT_IVL" envDefault:"180s"`
	HeartbeatTimeout    time.Duration `env:"EDDNWS_HEARTBEAT_TIMEOUT" envDefault:"20s"`
	ReconnectIvlMax     time.Duration `env:"EDDNWS_RECONNECT_IVL_MAX" envDefault:"60s"`
	MaxCompressedMsgSize int64        `env:"EDDNWS_MAX_COMPRESSED_MSG_SIZE" envDefault:"-1"`
	RecvBacklog         int           `env:"EDDNWS_RECV_BACKLOG" envDefault:"1000"`

	// Listener
	ListenAddr      string `env:"EDDNWS_LISTEN_ADDR" envDefault:"127.0.0.1"`
	ListenPort      int    `env:"EDDNWS_LISTEN_PORT" envDefault:"8081"`
	ListenPath      string `env:"EDDNWS_LISTEN_PATH" envDefault:""`
	PreopenedSocket bool   `env:"EDDNWS_SYSTEMD" envDefault:"false"`

	// HTTP / lifecycle
	PingPath            string        `env:"EDDNWS_PING_PATH" envDefault:"/ping"`
	CloseDelay          time.Duration `env:"EDDNWS_CLOSE_DELAY" envDefault:"3300ms"`
	ConnectionLimit     int           `env:"EDDNWS_CONNECTION_LIMIT" envDefault:"1000"`
	ClientBufferLimit   int           `env:"EDDNWS_CLIENT_BUFFER_LIMIT" envDefault:"2097152"`
	ClientCheckInterval time.Duration `env:"EDDNWS_CLIENT_CHECK_INTERVAL" envDefault:"1s"`
	SendText            bool          `env:"EDDNWS_SEND_TEXT" envDefault:"true"`

	// Decode offload (expansion)
	DecodeWorkers   int `env:"EDDNWS_DECODE_WORKERS" envDefault:"0"`
	DecodeQueueSize int `env:"EDDNWS_DECODE_QUEUE_SIZE" envDefault:"256"`

	// Logging (expansion)
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Metrics (expansion)
	MetricsPath     string        `env:"METRICS_PATH" envDefault:"/metrics"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
}

// Load reads configuration from a .env file (if present) and the process
// environment. Priority: environment variables > .env file > struct
// defaults. Flags applied afterwards in main() take final precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-field invariants env.Parse cannot express (e.g.
// that a negative close delay means eager mode, not an error, but
// connection/buffer limits must be non-negative).
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream url is required")
	}
	if c.ConnectionLimit < 0 {
		return fmt.Errorf("connection limit must be >= 0, got %d", c.ConnectionLimit)
	}
	if c.ClientBufferLimit < 0 {
		return fmt.Errorf("client buffer limit must be >= 0, got %d", c.ClientBufferLimit)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen port out of range: %d", c.ListenPort)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// Eager reports whether the upstream subscription should be held open for
// the entire process lifetime rather than gated by client presence.
func (c *Config) Eager() bool {
	return c.CloseDelay < 0
}

// ZerologLevel converts LogLevel into the zerolog.Level it names.
func (c *Config) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
