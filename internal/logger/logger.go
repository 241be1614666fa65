package logger

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel parses string to zapcore.Level
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Field is an alias for zap.Field for interface compatibility
type Field = zap.Field

// Logger is the structured logger handed to every governance component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithRequest(requestID string) Logger
	WithComponent(component string) Logger
	WithFields(fields ...Field) Logger
}

// zapLogger wraps zap.Logger to implement our Logger interface
type zapLogger struct {
	logger *zap.Logger
}

// New creates a new logger with zap
func New(level zapcore.Level, format string) Logger {
	var config zap.Config

	if format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	}

	config.Level = zap.NewAtomicLevelAt(level)

	logger, err := config.Build()
	if err != nil {
		logger = zap.NewNop()
	}

	return &zapLogger{logger: logger}
}

// NewFromConfig creates a logger from string configuration
func NewFromConfig(level, format string) Logger {
	return New(ParseLevel(level), format)
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() Logger {
	return &zapLogger{logger: zap.NewNop()}
}

// Debug logs a debug message
func (l *zapLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, fields...)
}

// Info logs an info message
func (l *zapLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, fields...)
}

// Warn logs a warning message
func (l *zapLogger) Warn(msg string, fields ...Field) {
	l.logger.Warn(msg, fields...)
}

// Error logs an error message
func (l *zapLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, fields...)
}

// WithRequest returns a new logger with request ID field
func (l *zapLogger) WithRequest(requestID string) Logger {
	return l.WithFields(zap.String("request_id", requestID))
}

// WithComponent tags every entry with the emitting governance component.
func (l *zapLogger) WithComponent(component string) Logger {
	return l.WithFields(zap.String("component", component))
}

// WithFields returns a new logger with additional fields
func (l *zapLogger) WithFields(fields ...Field) Logger {
	return &zapLogger{logger: l.logger.With(fields...)}
}

// String constructs a field with a string value
func String(key, value string) Field {
	return zap.String(key, value)
}

// Int constructs a field with an int value
func Int(key string, value int) Field {
	return zap.Int(key, value)
}

// Uint64 constructs a field with a uint64 value
func Uint64(key string, value uint64) Field {
	return zap.Uint64(key, value)
}

// Float64 constructs a field with a float64 value
func Float64(key string, value float64) Field {
	return zap.Float64(key, value)
}

// Bool constructs a field with a bool value
func Bool(key string, value bool) Field {
	return zap.Bool(key, value)
}

// Duration constructs a field with a time.Duration value
func Duration(key string, value time.Duration) Field {
	return zap.Duration(key, value)
}

// Time constructs a field with a time.Time value
func Time(key string, value time.Time) Field {
	return zap.Time(key, value)
}

// Error constructs a field that carries err under the "error" key
func Error(err error) Field {
	return zap.Error(err)
}

// Default logger instance
var defaultLogger Logger = NewFromConfig("info", "text")

// SetDefault sets the default logger
func SetDefault(l Logger) {
	defaultLogger = l
}

// GetDefault returns the default logger instance
func GetDefault() Logger {
	return defaultLogger
}
