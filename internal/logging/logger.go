// Package logging provides structured logging for the mail server.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// Context keys for common fields
	remoteAddrKey contextKey = "remote_addr"
	usernameKey   contextKey = "username"
	messageIDKey  contextKey = "message_id"
	domainKey     contextKey = "domain"
)

// Logger wraps slog with mail-server-specific functionality.
type Logger struct {
	*slog.Logger
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the output destination (stdout, stderr, or file path).
	Output string
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = f
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// Default returns a default logger.
func Default() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// WithRemoteAddr returns a new context with the remote address.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey, addr)
}

// WithUsername returns a new context with the authenticated username.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

// WithMessageID returns a new context with the message ID.
func WithMessageID(ctx context.Context, msgID string) context.Context {
	return context.WithValue(ctx, messageIDKey, msgID)
}

// WithDomain returns a new context with the recipient domain.
func WithDomain(ctx context.Context, domain string) context.Context {
	return context.WithValue(ctx, domainKey, domain)
}

// extractContextAttrs extracts logging attributes from context.
func extractContextAttrs(ctx context.Context) []any {
	var attrs []any
	if v := ctx.Value(remoteAddrKey); v != nil {
		attrs = append(attrs, "remote_addr", v.(string))
	}
	if v := ctx.Value(usernameKey); v != nil {
		attrs = append(attrs, "username", v.(string))
	}
	if v := ctx.Value(messageIDKey); v != nil {
		attrs = append(attrs, "message_id", v.(string))
	}
	if v := ctx.Value(domainKey); v != nil {
		attrs = append(attrs, "domain", v.(string))
	}
	return attrs
}

// InfoContext logs an info message with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, append(extractContextAttrs(ctx), args...)...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, args ...any) {
	all := make([]any, 0, len(args)+2)
	if err != nil {
		all = append(all, "error", err.Error())
	}
	all = append(all, extractContextAttrs(ctx)...)
	all = append(all, args...)
	l.Logger.ErrorContext(ctx, msg, all...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, append(extractContextAttrs(ctx), args...)...)
}

// DebugContext logs a debug message with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, append(extractContextAttrs(ctx), args...)...)
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// SMTP returns a logger configured for SMTP operations.
func (l *Logger) SMTP() *Logger {
	return &Logger{Logger: l.Logger.With("component", "smtp")}
}

// Delivery returns a logger configured for delivery operations.
func (l *Logger) Delivery() *Logger {
	return &Logger{Logger: l.Logger.With("component", "delivery")}
}

// Queue returns a logger configured for queue operations.
func (l *Logger) Queue() *Logger {
	return &Logger{Logger: l.Logger.With("component", "queue")}
}

// Auth returns a logger configured for authentication operations.
func (l *Logger) Auth() *Logger {
	return &Logger{Logger: l.Logger.With("component", "auth")}
}

// DNS returns a logger configured for resolver operations.
func (l *Logger) DNS() *Logger {
	return &Logger{Logger: l.Logger.With("component", "dns")}
}
