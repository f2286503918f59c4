package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// LogConfig holds the logging configuration
type LogConfig struct {
	Level      LogLevel `json:"level"`
	Format     string   `json:"format"` // "json" or "text"
	Output     string   `json:"output"` // "stdout", "stderr", or file path
	Rotation   bool     `json:"rotation"`
	MaxSize    int      `json:"max_size"` // MB
	MaxBackups int      `json:"max_backups"`
	MaxAge     int      `json:"max_age"` // days
	Compress   bool     `json:"compress"`
}

// DefaultLogConfig returns the default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      InfoLevel,
		Format:     "json",
		Output:     "stdout",
		Rotation:   false,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// LoadLogConfigFromEnv builds a LogConfig from LOG_* environment variables,
// falling back to defaults for anything unset. Setting LOG_FILE switches
// output to a rotated file.
func LoadLogConfigFromEnv() *LogConfig {
	config := DefaultLogConfig()

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = LogLevel(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = format
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		config.Output = file
		config.Rotation = true
	}
	if size := os.Getenv("LOG_MAX_SIZE_MB"); size != "" {
		if v, err := strconv.Atoi(size); err == nil && v > 0 {
			config.MaxSize = v
		}
	}
	if backups := os.Getenv("LOG_MAX_BACKUPS"); backups != "" {
		if v, err := strconv.Atoi(backups); err == nil && v >= 0 {
			config.MaxBackups = v
		}
	}
	if age := os.Getenv("LOG_MAX_AGE_DAYS"); age != "" {
		if v, err := strconv.Atoi(age); err == nil && v >= 0 {
			config.MaxAge = v
		}
	}

	return config
}

// Logger wraps logrus with additional functionality
type Logger struct {
	*logrus.Logger
	config *LogConfig
}

// NewLogger creates a new logger instance
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	logger := logrus.New()

	switch config.Level {
	case DebugLevel:
		logger.SetLevel(logrus.DebugLevel)
	case InfoLevel:
		logger.SetLevel(logrus.InfoLevel)
	case WarnLevel:
		logger.SetLevel(logrus.WarnLevel)
	case ErrorLevel:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	var output io.Writer
	switch config.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// File output with optional rotation
		if config.Rotation {
			output = &lumberjack.Logger{
				Filename:   config.Output,
				MaxSize:    config.MaxSize,
				MaxBackups: config.MaxBackups,
				MaxAge:     config.MaxAge,
				Compress:   config.Compress,
			}
		} else {
			file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				return nil, fmt.Errorf("failed to open log file: %w", err)
			}
			output = file
		}
	}

	logger.SetOutput(output)

	return &Logger{
		Logger: logger,
		config: config,
	}, nil
}

// ContextualLogger provides context-aware logging
type ContextualLogger struct {
	*Logger
	fields logrus.Fields
}

// WithContext creates a new logger carrying the correlation ID and active
// trace/span IDs from the context.
func (l *Logger) WithContext(ctx context.Context) *ContextualLogger {
	fields := logrus.Fields{}

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		fields["correlation_id"] = correlationID
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		fields["trace_id"] = span.SpanContext().TraceID().String()
		fields["span_id"] = span.SpanContext().SpanID().String()
	}

	return &ContextualLogger{
		Logger: l,
		fields: fields,
	}
}

// WithFields adds additional fields to the logger
func (cl *ContextualLogger) WithFields(fields logrus.Fields) *ContextualLogger {
	combined := make(logrus.Fields)
	for k, v := range cl.fields {
		combined[k] = v
	}
	for k, v := range fields {
		combined[k] = v
	}

	return &ContextualLogger{
		Logger: cl.Logger,
		fields: combined,
	}
}

// WithField adds a single field to the logger
func (cl *ContextualLogger) WithField(key string, value interface{}) *ContextualLogger {
	return cl.WithFields(logrus.Fields{key: value})
}

// WithError adds an error field to the logger
func (cl *ContextualLogger) WithError(err error) *ContextualLogger {
	return cl.WithFields(logrus.Fields{logrus.ErrorKey: err})
}

// Debug logs a debug message
func (cl *ContextualLogger) Debug(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Debug(args...)
}

// Debugf logs a formatted debug message
func (cl *ContextualLogger) Debugf(format string, args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Debugf(format, args...)
}

// Info logs an info message
func (cl *ContextualLogger) Info(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Info(args...)
}

// Infof logs a formatted info message
func (cl *ContextualLogger) Infof(format string, args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Infof(format, args...)
}

// Warn logs a warning message
func (cl *ContextualLogger) Warn(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Warn(args...)
}

// Warnf logs a formatted warning message
func (cl *ContextualLogger) Warnf(format string, args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Warnf(format, args...)
}

// Error logs an error message
func (cl *ContextualLogger) Error(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Error(args...)
}

// Errorf logs a formatted error message
func (cl *ContextualLogger) Errorf(format string, args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Errorf(format, args...)
}

// Correlation ID context key
type correlationIDKey struct{}

// WithCorrelationID adds a correlation ID to the context. An empty ID is
// replaced with a freshly generated one.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}
	return ""
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(config *LogConfig) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Initialize with default config if not set
		logger, _ := NewLogger(DefaultLogConfig())
		globalLogger = logger
	}
	return globalLogger
}

// LogFromContext creates a contextual logger from context
func LogFromContext(ctx context.Context) *ContextualLogger {
	return GetGlobalLogger().WithContext(ctx)
}
