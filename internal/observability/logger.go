package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName is attached to every log line.
const ServiceName = "paper-pipeline-service"

// LoggingConfig contains logger configuration options.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic).
	Level string

	// Format is json, or console/pretty for human-readable output.
	Format string

	// Output is stdout or stderr.
	Output string

	// AddSource adds the caller's file and line.
	AddSource bool

	// TimeFormat is the timestamp layout.
	TimeFormat string

	// Process names the binary (server, worker, migrate).
	Process string
}

// DefaultLoggingConfig returns json logging at info level on stdout.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates the process logger. It also sets zerolog's global level
// and time format.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	out := io.Writer(os.Stdout)
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return newLogger(cfg, out)
}

func newLogger(cfg LoggingConfig, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	switch strings.ToLower(cfg.Format) {
	case "console", "pretty":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: zerolog.TimeFieldFormat}
	}

	ctx := zerolog.New(out).With().Timestamp().Str("service", ServiceName)
	if cfg.Process != "" {
		ctx = ctx.Str("process", cfg.Process)
	}
	if cfg.AddSource {
		ctx = ctx.Caller()
	}

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	return ctx.Logger().Level(level)
}

// parseLevel accepts zerolog level names, case-insensitively, plus
// "warning". Anything else is info.
func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel || l == zerolog.Disabled {
		return zerolog.InfoLevel
	}
	return l
}

// WithPaperContext adds paper-related fields to a logger.
func WithPaperContext(logger zerolog.Logger, paperID string, status string) zerolog.Logger {
	return logger.With().
		Str("paper_id", paperID).
		Str("status", status).
		Logger()
}

// WithTaskContext adds dispatcher task fields to a logger.
func WithTaskContext(logger zerolog.Logger, taskID, taskName, queue string) zerolog.Logger {
	return logger.With().
		Str("task_id", taskID).
		Str("task_name", taskName).
		Str("queue", queue).
		Logger()
}

// WithConnectionContext adds notification bus connection fields to a logger.
func WithConnectionContext(logger zerolog.Logger, connectionID, paperID string) zerolog.Logger {
	ctx := logger.With().Str("connection_id", connectionID)
	if paperID != "" {
		ctx = ctx.Str("paper_id", paperID)
	}
	return ctx.Logger()
}

// WithAttemptContext adds retry attempt fields to a task logger.
func WithAttemptContext(logger zerolog.Logger, attempt int, category string) zerolog.Logger {
	return logger.With().
		Int("attempt", attempt).
		Str("category", category).
		Logger()
}
