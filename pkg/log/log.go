// Package log owns the process-wide zerolog configuration. Components ask
// for child loggers scoped to their name; pipeline stages layer on the
// event, team and execution ids so one delivery can be traced end to end
// across stage boundaries.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration
type Config struct {
	Level      string // debug, info, warn, error; empty selects info
	JSONOutput bool
	Output     io.Writer
}

// base is the process logger. It carries the level itself rather than the
// zerolog global so tests can re-Init without racing each other.
var base = zerolog.New(consoleWriter(os.Stdout)).With().Timestamp().Logger()

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

// Init builds the process logger. JSON output is the production form;
// console output is for interactive runs. Unknown level names fall back
// to info.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = consoleWriter(out)
	}
	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Base returns the process logger for code outside any component
func Base() zerolog.Logger {
	return base
}

// WithComponent returns a child logger scoped to one pipeline component
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithEvent layers the ids that follow one event through the pipeline
// onto a component logger. teamID may be empty before routing fans the
// event out per team.
func WithEvent(logger zerolog.Logger, eventID, teamID string) zerolog.Logger {
	ctx := logger.With().Str("event_id", eventID)
	if teamID != "" {
		ctx = ctx.Str("team_id", teamID)
	}
	return ctx.Logger()
}

// WithDelivery layers the ids of one outbound delivery onto a component
// logger
func WithDelivery(logger zerolog.Logger, executionID, channel string) zerolog.Logger {
	return logger.With().Str("execution_id", executionID).Str("channel", channel).Logger()
}
