// Package logger provides the structured logging interface used by every
// dispatch component, backed by zerolog. Output goes to stdout, to a
// daily-rotated file, or nowhere (for tests).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger is a leveled, structured logger. Components receive a Logger and
// derive scoped children with With (for example one per connection).
type Logger interface {
	// Debug logs msg at debug level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Debug(msg string, fields ...Field)

	// Info logs msg at info level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Info(msg string, fields ...Field)

	// Warn logs msg at warn level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Warn(msg string, fields ...Field)

	// Error logs msg at error level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Error(msg string, fields ...Field)

	// With returns a child Logger that adds fields to every entry. The
	// receiver is left unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger carrying the given fields
	With(fields ...Field) Logger

	// Close releases the log file, if this Logger opened one. Derived
	// loggers never close the parent's file. Safe to call more than once.
	//
	// Returns:
	//   - An error if closing the file fails
	Close() error
}

// Config selects the level and destination of a Logger built by New.
type Config struct {
	// Service is added as the "service" field of every entry and names
	// rotated log files.
	Service string
	// Level is a zerolog level name ("debug", "info", "warn", "error").
	// Empty means "info".
	Level string
	// Dir, when non-empty, enables daily-rotated files in that directory in
	// addition to stdout.
	Dir string
}

// zerologLogger is the zerolog-based implementation of Logger.
type zerologLogger struct {
	zl    zerolog.Logger
	file  *DailyFileWriter
	owner bool
}

// New builds a Logger from cfg. It returns an error when the level name is
// unknown or the log directory cannot be prepared.
//
// Parameters:
//   - cfg: Service name, level and optional log directory
//
// Returns:
//   - The Logger, or an error if cfg is invalid
func New(cfg Config) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Dir == "" {
		return NewZerologLogger(zerolog.New(os.Stdout), cfg.Service, level), nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fw, err := NewDailyFileWriter(cfg.Service, cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create file writer: %w", err)
	}

	out := zerolog.New(io.MultiWriter(os.Stdout, fw))
	return &zerologLogger{
		zl:    decorate(out, cfg.Service, level),
		file:  fw,
		owner: true,
	}, nil
}

// NewZerologLogger wraps an existing zerolog.Logger, adding the service name
// and a timestamp to every entry and dropping entries below level.
func NewZerologLogger(l zerolog.Logger, service string, level zerolog.Level) Logger {
	return &zerologLogger{zl: decorate(l, service, level)}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return &zerologLogger{zl: zerolog.Nop()}
}

// ParseLevel maps a level name to a zerolog.Level. An empty name is "info".
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return zerolog.InfoLevel, nil
	}

	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q: %w", name, err)
	}

	return level, nil
}

func decorate(l zerolog.Logger, service string, level zerolog.Level) zerolog.Logger {
	ctx := l.With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}

	return ctx.Logger().Level(level)
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.zl.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.zl.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.zl.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.zl.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		zl:   z.zl.With().Fields(toMap(fields)).Logger(),
		file: z.file,
	}
}

// Close implements Logger. Only the Logger built by New closes the file.
func (z *zerologLogger) Close() error {
	if z.owner && z.file != nil {
		return z.file.Close()
	}

	return nil
}

// toMap converts fields to the map form accepted by zerolog.Event.Fields.
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
