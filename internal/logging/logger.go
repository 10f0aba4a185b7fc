// Package logging builds the zerolog logger used by the shmcache CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats accepted by [Config].
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Environment variables read by [FromEnv].
const (
	EnvLevel  = "SHMCACHE_LOG_LEVEL"
	EnvFormat = "SHMCACHE_LOG_FORMAT"
)

// Config holds logging configuration.
type Config struct {
	Level      zerolog.Level
	Format     string // "json" or "console"
	TimeFormat string

	// Out defaults to os.Stderr.
	Out io.Writer
}

// DefaultConfig logs warnings and errors to stderr in console format.
func DefaultConfig() Config {
	return Config{
		Level:      zerolog.WarnLevel,
		Format:     FormatConsole,
		TimeFormat: time.RFC3339,
	}
}

// New creates a zerolog logger with the given configuration.
func New(cfg Config) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	if cfg.Format != FormatJSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: cfg.TimeFormat,
		}
	}

	return zerolog.New(out).
		Level(cfg.Level).
		With().
		Timestamp().
		Logger()
}

// ParseLevel accepts trace, debug, info, warn, error and disabled.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// ParseFormat accepts "console" and "json".
func ParseFormat(s string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case FormatConsole, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown log format %q (want console or json)", s)
	}
}

// FromEnv overlays SHMCACHE_LOG_LEVEL and SHMCACHE_LOG_FORMAT onto cfg.
// Unset or unparsable values leave cfg unchanged.
func FromEnv(cfg Config, getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}

	if level, err := ParseLevel(getenv(EnvLevel)); err == nil {
		cfg.Level = level
	}

	if format, err := ParseFormat(getenv(EnvFormat)); err == nil {
		cfg.Format = format
	}

	return cfg
}
