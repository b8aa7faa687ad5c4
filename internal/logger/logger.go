/**
 * @description
 * Leveled logger for the Kalbot backend.
 * Info and below go to stdout, errors go to stderr, so log collectors don't label
 * routine progress as failures.
 *
 * @dependencies
 * - github.com/rs/zerolog
 */

package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var base = build(os.Stdout, os.Stderr, "console")

// levelSplitWriter routes error-and-above events to a separate writer
type levelSplitWriter struct {
	out io.Writer
	err io.Writer
}

func (w levelSplitWriter) Write(p []byte) (int, error) {
	return w.out.Write(p)
}

func (w levelSplitWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level >= zerolog.ErrorLevel {
		return w.err.Write(p)
	}
	return w.out.Write(p)
}

func build(out, errOut io.Writer, format string) zerolog.Logger {
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
		errOut = zerolog.ConsoleWriter{Out: errOut, TimeFormat: time.RFC3339, NoColor: true}
	}
	return zerolog.New(levelSplitWriter{out: out, err: errOut}).With().Timestamp().Logger()
}

// Configure sets the level ("debug", "info", "warn", "error") and format ("console" or "json").
func Configure(level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	base = build(os.Stdout, os.Stderr, format).Level(lvl)
	return nil
}

// SetOutput redirects both streams, mainly for tests.
func SetOutput(out, errOut io.Writer, format string) {
	base = build(out, errOut, format)
}

// With returns a structured logger tagged with a component name.
func With(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// Debug logs a debug message to stdout
func Debug(format string, v ...interface{}) {
	base.Debug().Msgf(format, v...)
}

// Info logs an info message to stdout
func Info(format string, v ...interface{}) {
	base.Info().Msgf(format, v...)
}

// Warn logs a warning to stdout
func Warn(format string, v ...interface{}) {
	base.Warn().Msgf(format, v...)
}

// Error logs an error message to stderr
func Error(format string, v ...interface{}) {
	base.Error().Msgf(format, v...)
}

// Fatal logs an error and exits
func Fatal(format string, v ...interface{}) {
	base.Fatal().Msgf(format, v...)
}

// New creates a logger that writes JSON to the specified writer
func New(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}
