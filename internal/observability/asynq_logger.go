package observability

import (
	"fmt"

	"github.com/rs/zerolog"
)

// AsynqLogger adapts zerolog to asynq's Logger interface.
type AsynqLogger struct {
	logger zerolog.Logger
}

// NewAsynqLogger creates an AsynqLogger that delegates to the given
// zerolog.Logger, automatically adding a "component":"asynq" field.
func NewAsynqLogger(logger zerolog.Logger) *AsynqLogger {
	return &AsynqLogger{logger: logger.With().Str("component", "asynq").Logger()}
}

// Debug logs a message at debug level.
func (l *AsynqLogger) Debug(args ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprint(args...))
}

// Info logs a message at info level.
func (l *AsynqLogger) Info(args ...interface{}) {
	l.logger.Info().Msg(fmt.Sprint(args...))
}

// Warn logs a message at warn level.
func (l *AsynqLogger) Warn(args ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprint(args...))
}

// Error logs a message at error level.
func (l *AsynqLogger) Error(args ...interface{}) {
	l.logger.Error().Msg(fmt.Sprint(args...))
}

// Fatal logs a message at fatal level and exits the process.
func (l *AsynqLogger) Fatal(args ...interface{}) {
	l.logger.Fatal().Msg(fmt.Sprint(args...))
}
