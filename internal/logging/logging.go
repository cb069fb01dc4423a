// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a structured logger. format is "json" (default, Loki-friendly)
// or "console" (human-readable, for local development).
func New(level zerolog.Level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(level)

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "eddnws").
		Logger()
}

// ClampVerbosity maps a repeated -v flag count onto a level between
// zerolog.WarnLevel and zerolog.DebugLevel.
func ClampVerbosity(base zerolog.Level, count int) zerolog.Level {
	lvl := base
	for i := 0; i < count; i++ {
		lvl--
	}
	if lvl < zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}
	if lvl > zerolog.WarnLevel {
		lvl = zerolog.WarnLevel
	}
	return lvl
}
