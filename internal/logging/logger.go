// Package logging is the structured logger shared by every component. It
// wraps zap behind a small field-chaining API.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Logger provides structured logging on top of zap.
// Derived loggers share the level of their parent.
type Logger struct {
	zl     *zap.Logger
	level  zap.AtomicLevel
	format LogFormat
	output zapcore.WriteSyncer
	fields []zap.Field
}

// NewLogger creates a new logger instance writing to stdout
func NewLogger(level LogLevel, format LogFormat) *Logger {
	l := &Logger{
		level:  zap.NewAtomicLevelAt(level.zapLevel()),
		format: format,
		output: zapcore.Lock(os.Stdout),
	}
	l.rebuild()
	return l
}

// NewNop returns a logger that discards everything, for tests
func NewNop() *Logger {
	l := NewLogger(LevelFatal, FormatJSON)
	l.SetOutput(io.Discard)
	return l
}

func (lv LogLevel) zapLevel() zapcore.Level {
	switch lv {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) rebuild() {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if l.format == FormatText {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, l.output, l.level)
	l.zl = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).With(l.fields...)
}

func (l *Logger) with(fields ...zap.Field) *Logger {
	merged := make([]zap.Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{
		zl:     l.zl.With(fields...),
		level:  l.level,
		format: l.format,
		output: l.output,
		fields: merged,
	}
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(zap.Any(key, value))
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return l.with(zf...)
}

// WithError adds an error to the logger context
func (l *Logger) WithError(err error) *Logger {
	return l.with(zap.Error(err))
}

// Debug logs a debug message
func (l *Logger) Debug(message string) { l.zl.Debug(message) }

// Info logs an info message
func (l *Logger) Info(message string) { l.zl.Info(message) }

// Warn logs a warning message
func (l *Logger) Warn(message string) { l.zl.Warn(message) }

// Error logs an error message
func (l *Logger) Error(message string) { l.zl.Error(message) }

// Fatal logs a message and exits the process
func (l *Logger) Fatal(message string) { l.zl.Fatal(message) }

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// SetOutput redirects the logger; derived loggers keep their old output
func (l *Logger) SetOutput(w io.Writer) {
	l.output = zapcore.AddSync(w)
	l.rebuild()
}

// SetLevel changes the level of the logger and every logger derived from it
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

var globalLogger atomic.Pointer[Logger]

// InitGlobalLogger replaces the process-wide logger
func InitGlobalLogger(level LogLevel, format LogFormat) {
	globalLogger.Store(NewLogger(level, format))
}

// GetGlobalLogger returns the process-wide logger, creating an info/JSON
// logger on first use
func GetGlobalLogger() *Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	globalLogger.CompareAndSwap(nil, NewLogger(LevelInfo, FormatJSON))
	return globalLogger.Load()
}

type loggerKey struct{}

// WithLogger returns a context carrying logger
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the request logger of ctx, or the global logger
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}
	return GetGlobalLogger()
}

// ParseLogLevel parses LOG_LEVEL; unknown values fall back to info
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		fmt.Fprintf(os.Stderr, "unknown log level %q, defaulting to info\n", level)
		return LevelInfo
	}
}

// ParseLogFormat parses LOG_FORMAT; unknown values fall back to JSON
func ParseLogFormat(format string) LogFormat {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return FormatJSON
	case "text", "console":
		return FormatText
	default:
		fmt.Fprintf(os.Stderr, "unknown log format %q, defaulting to json\n", format)
		return FormatJSON
	}
}
