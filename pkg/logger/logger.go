// Package logger provides structured logging for the rotator.
//
// Beyond constructing a configured slog.Logger, it owns the two logging
// conventions every rotator component follows: request IDs travel through
// the context, and credentials only ever reach a handler through the
// Credential attribute, which masks them first. Raw key material must not
// appear in any log line.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vitaliisemenov/llm-rotator/internal/core/identity"
)

type contextKey string

// requestIDKey carries the per-request identifier through the context.
const requestIDKey contextKey = "request_id"

// Config holds logger configuration.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// Format is "json" or "text".
	Format string

	// Output is "stdout", "stderr", or "file".
	Output string

	// File rotation settings, used when Output is "file".
	Filename   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds a logger from configuration. Unknown levels, formats, and
// outputs degrade to info-level text on stdout rather than failing.
func New(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	writer := newWriter(cfg)
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler)
}

func parseLevel(name string) slog.Level {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return level
	}
	return slog.LevelInfo
}

func newWriter(cfg Config) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr
	case "file":
		if cfg.Filename == "" {
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	default:
		return os.Stdout
	}
}

// Credential returns the log attribute for a credential accessor, masked.
// This is the only sanctioned way to put a credential into a log line.
func Credential(accessor string) slog.Attr {
	return slog.String("credential", identity.Mask(accessor))
}

// Provider returns the log attribute naming a provider.
func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// NewRequestID mints an identifier for one rotator request.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// WithRequestID stores a request ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom extracts the request ID from the context, or "".
func RequestIDFrom(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// FromContext scopes a logger with the context's request ID, when present.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if requestID := RequestIDFrom(ctx); requestID != "" {
		return base.With(slog.String("request_id", requestID))
	}
	return base
}
