package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. It defaults to stderr so
// components constructed before Init still log; Init replaces it with the
// configured output and level.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config selects the root logger's level, format, and destination.
type Config struct {
	// Level is a zerolog level name (debug, info, warn, error). Unknown
	// or empty values fall back to info.
	Level string

	// JSON emits machine-readable lines; the default console format is
	// for interactive use.
	JSON bool

	// Output defaults to stdout.
	Output io.Writer
}

// Init builds the root logger. Call it once from main before any
// component starts.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger stamped with the subsystem name
// (outbox-publisher, collector-ingest, edge-agent, ...). Every long-lived
// component holds one so its lines are filterable.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTenantID returns a child logger scoped to one tenant.
func WithTenantID(tenantID string) zerolog.Logger {
	return Logger.With().Str("tenant_id", tenantID).Logger()
}

// WithSiteID returns a child logger scoped to one mining site.
func WithSiteID(siteID string) zerolog.Logger {
	return Logger.With().Str("site_id", siteID).Logger()
}

// WithConsumer returns a child logger for one consumer group.
func WithConsumer(name string) zerolog.Logger {
	return Logger.With().Str("consumer", name).Logger()
}

// Info logs a one-off message on the root logger. Components with their
// own child logger should prefer it over these shorthands.
func Info(msg string) {
	Logger.Info().Msg(msg)
}

// Fatal logs on the root logger and exits the process.
func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
