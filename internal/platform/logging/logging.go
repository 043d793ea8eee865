// Package logging constructs the process-wide zerolog logger: one
// console-or-json sink configured from the log-level string, with
// per-component children created via
// .With().Str("component", name).Logger() at each call site.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. devMode switches to a human-readable
// console writer; otherwise structured JSON goes to stdout.
func New(levelStr string, devMode bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if devMode {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(writer).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger
}
