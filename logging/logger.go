// Package logging provides structured logging for the kiosk sync worker using
// Go's log/slog package.
package logging

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/tillpoint/go-kiosk-sync/errors"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format      string `json:"format" yaml:"format"`           // text, json
	AddSource   bool   `json:"add_source" yaml:"add_source"`   // whether to add source code information
	Environment string `json:"environment" yaml:"environment"` // dev, prod, test
}

// Default configuration
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: "dev",
}

// Global logger instance
var defaultLogger *Logger

// LogValuer implementations for consistent representation of custom types
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// SyncErrorValuer provides structured logging for SyncError
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("code", string(e.Code)),
		slog.Bool("retryable", e.Retryable),
		slog.String("error", e.Err.Error()),
	}

	if e.Metadata != nil {
		metadataAttrs := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			metadataAttrs = append(metadataAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(metadataAttrs...)))
	}

	return slog.GroupValue(attrs...)
}

// NewLogger creates a new logger with the provided configuration
func NewLogger(config Config) *Logger {
	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "text" || config.Environment == "dev" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Init initializes the global logger with the provided configuration
func Init(config Config) {
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the default logger instance
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// LogError logs an error with caller information and structured attributes
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+2)

	if syncErr, ok := err.(*errors.SyncError); ok {
		allAttrs = append(allAttrs, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}

	pc, file, line, ok := runtime.Caller(1)
	if ok {
		fn := runtime.FuncForPC(pc)
		allAttrs = append(allAttrs,
			slog.Group("caller",
				slog.String("file", file),
				slog.Int("line", line),
				slog.String("function", fn.Name()),
			),
		)
	}

	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}

	l.ErrorContext(ctx, msg, allAttrs...)
}

// LogOperation logs the start and end of an operation with duration tracking
func (l *Logger) LogOperation(ctx context.Context, op Operation, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op).WithComponent(component)

	opLogger.InfoContext(ctx, "operation started",
		slog.Time("start_time", start),
	)

	err := fn()
	duration := time.Since(start)

	if err != nil {
		opLogger.LogError(ctx, err, "operation failed",
			slog.Duration("duration", duration),
			slog.Bool("success", false),
		)
		return err
	}

	opLogger.InfoContext(ctx, "operation completed",
		slog.Duration("duration", duration),
		slog.Bool("success", true),
	)

	return nil
}

// WithOperation returns a child of the default logger with operation context
func WithOperation(op Operation) *Logger {
	return Default().WithOperation(op)
}

// WithComponent returns a child of the default logger with component context
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}
