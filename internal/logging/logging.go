// Package logging builds the application's zerolog.Logger: a TTY-aware
// console writer for local development and plain JSON for production.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New constructs a logger for the given level ("debug", "info", "warn",
// "error") and format ("console" or "json"). Unknown levels fall back to
// info; console output is colorized only when stdout is a real terminal.
func New(level, format string) zerolog.Logger {
	lvl := parseLevel(level)

	if strings.EqualFold(format, "console") {
		out := zerolog.ConsoleWriter{
			Out:        colorable.NewColorableStdout(),
			TimeFormat: time.RFC3339,
			NoColor:    !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()),
		}
		return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
