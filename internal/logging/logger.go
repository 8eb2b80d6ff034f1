// Package logging builds the zerolog.Logger shared by both processes.
package logging

import (
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// Config selects level and output format.
type Config struct {
	Level  string
	Format string
}

// New creates a structured logger. JSON by default; "console" gives a
// human-readable writer for local development.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger
}

// RecoverPanic is deferred first (so it runs last) at the top of every
// long-running goroutine. It turns a panic into a logged error instead of a
// crashed process, per the Fatal/non-fatal split in the error-handling design.
func RecoverPanic(logger zerolog.Logger, component string, fields map[string]any) {
	if r := recover(); r != nil {
		ev := logger.Error().
			Interface("panic", r).
			Str("component", component).
			Bytes("stack", debug.Stack())
		for k, v := range fields {
			ev = ev.Interface(k, v)
		}
		ev.Msg("recovered from panic")
	}
}
