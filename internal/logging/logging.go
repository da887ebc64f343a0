// Package logging configures the process-wide zerolog logger and
// hands out per-module child loggers tagged with a "producer" field.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options controls the root logger's format and level.
type Options struct {
	Level    string // "debug", "info", "warn", "error"
	Pretty   bool   // human-readable console writer instead of JSON
	Writer   io.Writer
}

// New builds the process-wide root logger from opts.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// For returns a child logger tagged with the module's name in the
// "producer" field, so every log line a module emits can be traced
// back to the IU chains it owns without grepping by hand.
func For(root zerolog.Logger, module string) zerolog.Logger {
	return root.With().Str("producer", module).Logger()
}
