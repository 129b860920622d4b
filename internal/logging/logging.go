// Package logging builds the zerolog logger used by the command line
// tools.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "SIMPLEAMQP_LOG_LEVEL"
	EnvLogNoColor = "SIMPLEAMQP_LOG_NOCOLOR"
)

// Config selects the level and console colouring.
type Config struct {
	Level   string
	NoColor bool
}

// New returns a console logger writing to out and installs it as the
// global zerolog logger. Environment variables override cfg.
func New(app string, cfg Config, out io.Writer) zerolog.Logger {
	applyEnvOverrides(&cfg)

	level, ok := ParseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    cfg.NoColor,
	}
	logger := zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// NewStderr is New writing to stderr.
func NewStderr(app string, cfg Config) zerolog.Logger {
	return New(app, cfg, os.Stderr)
}

func applyEnvOverrides(cfg *Config) {
	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		cfg.Level = raw
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

// ParseLevel maps a level name to a zerolog level. ok is false for an
// empty or unknown name.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
