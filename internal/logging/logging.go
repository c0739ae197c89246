// Package logging configures the process-wide structured logger used by every
// component of the gateway. The With* helpers below attach the structured
// fields (component, node, worker, request id) that components log with.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Components should not log through it
// directly; instead they should derive a child logger via one of the With*
// helpers so every line carries the field that identifies its origin.
var Logger zerolog.Logger

// Level is the set of supported log levels, controlled by the
// GATEWAY_LOG_LEVEL environment variable.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds the parameters used to initialize the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. It must be called once during startup
// before any component derives a child logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	case InfoLevel, "":
		level = zerolog.InfoLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the component that owns
// it (e.g. "registry", "oracle", "relay").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode returns a child logger tagged with the node URL a log line is
// about.
func WithNode(logger zerolog.Logger, url string) zerolog.Logger {
	return logger.With().Str("node", url).Logger()
}

// WithWorker returns a child logger tagged with the wallet address of the
// back-channel worker a log line is about.
func WithWorker(logger zerolog.Logger, address string) zerolog.Logger {
	return logger.With().Str("worker", address).Logger()
}

// WithRequestID returns a child logger tagged with the opaque request or
// pending id a log line is about.
func WithRequestID(logger zerolog.Logger, id string) zerolog.Logger {
	return logger.With().Str("request_id", id).Logger()
}
