// Package observability provides structured logging for stitch.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/jmylchreest/stitch/internal/config"
	"github.com/m-mizutani/masq"
)

// urlSensitiveParamPattern matches sensitive query parameters in URLs.
// Case-insensitive, captures until next & or end of query string.
var urlSensitiveParamPattern = regexp.MustCompile(`(?i)(password|secret|token|apikey|api_key|credential)=([^&\s"']+)`)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const loggerKey contextKey = "logger"

// GlobalLogLevel is the shared log level that can be changed at runtime.
var GlobalLogLevel = &slog.LevelVar{}

// NewLogger creates a new slog.Logger based on the provided configuration.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// sensitiveFieldRedactor creates a masq redactor for sensitive field names.
// It matches attribute keys only; secrets inside URL query strings are
// handled by redactURLParams.
func sensitiveFieldRedactor() func(groups []string, a slog.Attr) slog.Attr {
	return masq.New(
		masq.WithFieldName("password"),
		masq.WithFieldName("Password"),
		masq.WithFieldName("secret"),
		masq.WithFieldName("Secret"),
		masq.WithFieldName("token"),
		masq.WithFieldName("Token"),
		masq.WithFieldName("apikey"),
		masq.WithFieldName("api_key"),
		masq.WithFieldName("credential"),
	)
}

// redactURLParams redacts sensitive query parameters from URL strings.
func redactURLParams(s string) string {
	return urlSensitiveParamPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided writer.
// The logger uses GlobalLogLevel for dynamic log level changes at runtime.
// Sensitive fields and sensitive URL query parameters (those matched by
// urlSensitiveParamPattern) are automatically redacted.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	GlobalLogLevel.Set(parseLevel(cfg.Level))

	redactor := sensitiveFieldRedactor()

	opts := &slog.HandlerOptions{
		Level:     GlobalLogLevel,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			a = redactor(groups, a)

			if a.Value.Kind() == slog.KindString {
				str := a.Value.String()
				if redacted := redactURLParams(str); redacted != str {
					a = slog.String(a.Key, redacted)
				}
			}

			if a.Key == slog.TimeKey && cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			return a
		},
	}

	switch cfg.Format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		return slog.New(slog.NewJSONHandler(w, opts))
	}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLogLevel changes the global log level at runtime.
func SetLogLevel(level string) {
	GlobalLogLevel.Set(parseLevel(level))
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// LoggerFromContext extracts a logger from the context.
// If no logger is found, returns the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
