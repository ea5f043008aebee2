// Package logging provides structured logging for tsdb.
//
// This package wraps the standard library's log/slog package so every
// component logs the same way. It supports text and JSON output,
// configurable levels, and component-scoped loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false)
//
//	// Get a component logger
//	log := logging.Component("wal")
//	log.Info("segment rolled", "base_offset", off)
//
//	// Request-scoped logging
//	ctx = logging.WithRouteKey(ctx, "db.cpu")
//	logging.FromContext(ctx).Warn("fetch failed", "error", err)
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a config string ("debug", "info", "warn", "error")
// into a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("replication")
//	log.Info("started") // Output: time=... level=INFO component=replication msg=started
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With("component", name)
}

// FromContext returns a logger that carries the component, route key,
// node id and offset stored in ctx, if any.
func FromContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	logger := Logger

	if component, ok := ctx.Value(contextKeyComponent).(string); ok {
		logger = logger.With("component", component)
	}
	if routeKey, ok := ctx.Value(contextKeyRouteKey).(string); ok {
		logger = logger.With("route", routeKey)
	}
	if nodeID, ok := ctx.Value(contextKeyNodeID).(string); ok {
		logger = logger.With("node", nodeID)
	}
	if offset, ok := ctx.Value(contextKeyOffset).(int64); ok {
		logger = logger.With("offset", offset)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyComponent contextKey = iota
	contextKeyRouteKey
	contextKeyNodeID
	contextKeyOffset
)

// WithComponent adds a component name to the context for logging.
func WithComponent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, contextKeyComponent, name)
}

// WithRouteKey adds a route key to the context for logging.
func WithRouteKey(ctx context.Context, routeKey string) context.Context {
	return context.WithValue(ctx, contextKeyRouteKey, routeKey)
}

// WithNodeID adds a node id to the context for logging.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, contextKeyNodeID, nodeID)
}

// WithOffset adds a WAL offset to the context for logging.
func WithOffset(ctx context.Context, offset int64) context.Context {
	return context.WithValue(ctx, contextKeyOffset, offset)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Error(msg, args...)
}
