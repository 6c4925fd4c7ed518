// Package logger provides the ports.Logger implementation backed by zerolog.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZeroLogger implements the ports.Logger interface using zerolog.
type ZeroLogger struct {
	logger zerolog.Logger
}

// ParseLevel converts a string level to a zerolog level. Unknown values
// default to Info.
func ParseLevel(levelStr string) zerolog.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a new zerolog-backed logger writing to os.Stderr.
// Format "console" yields human-readable output; anything else is JSON.
func New(level zerolog.Level, format string) *ZeroLogger {
	var out io.Writer = os.Stderr
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &ZeroLogger{logger: zl}
}

func applyFields(ev *zerolog.Event, fields ...map[string]interface{}) *zerolog.Event {
	if len(fields) > 0 && fields[0] != nil {
		ev = ev.Fields(fields[0])
	}
	return ev
}

// Debug logs a message at Debug level.
func (l *ZeroLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	applyFields(l.logger.Debug(), fields...).Msg(msg)
}

// Info logs a message at Info level.
func (l *ZeroLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	applyFields(l.logger.Info(), fields...).Msg(msg)
}

// Warn logs a message at Warning level.
func (l *ZeroLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	applyFields(l.logger.Warn(), fields...).Msg(msg)
}

// Error logs an error message at Error level.
func (l *ZeroLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	applyFields(l.logger.Error().Err(err), fields...).Msg(msg)
}
