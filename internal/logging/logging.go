// Package logging builds the zerolog logger every component in this
// module shares, and the goroutine panic-recovery helper used by the
// long-running adapter goroutines (the NATS message handler, the Kafka
// op-log consumer loop, and the WebSocket read pump).
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level and Format mirror the small enum types the teacher threads
// through its config and logger constructor.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures the logger New builds.
type Config struct {
	Level   Level
	Format  Format
	Service string // value of the "service" field stamped onto every log line
}

// New builds a structured logger: JSON by default (Loki-compatible),
// or a console writer when Format is "pretty" for local development.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "syncore"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger().
		Level(level)
}

// RecoverPanic logs and swallows a panic recovered in a goroutine's
// defer, instead of letting it crash the process. The goroutines that
// use it start with "defer logging.RecoverPanic(logger, \"name\", ...)"
// as their first defer, so it executes last and sees the panic the
// goroutine's own cleanup code might otherwise have raised.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
