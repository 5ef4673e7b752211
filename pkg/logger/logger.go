// Package logger provides structured logging using slog with hostname tracking
// and short source file paths for the relay server and command-line tools.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Fields represents structured log fields.
type Fields map[string]any

var (
	defaultLogger atomic.Pointer[slog.Logger]
	// hostname is cached on init.
	hostname string
)

func init() {
	var err error
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	defaultLogger.Store(New(os.Stderr))
}

// New creates a text logger at info level with hostname and short source paths.
func New(w io.Writer) *slog.Logger {
	return NewWithLevel(w, slog.LevelInfo)
}

// NewWithLevel is New with an explicit minimum level.
func NewWithLevel(w io.Writer, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			// basename:line only
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
					source.Function = ""
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts)).With("instance", hostname)
}

// ParseLevel maps debug, info, warn/warning and error to a slog level.
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

// SetDefault sets the logger used by the package-level helpers.
func SetDefault(l *slog.Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// Default returns the logger used by the package-level helpers.
func Default() *slog.Logger {
	return defaultLogger.Load()
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Default().With("component", name)
}

// Hostname returns the cached hostname.
func Hostname() string {
	return hostname
}

// Info logs an info message with optional fields.
func Info(ctx context.Context, msg string, fields Fields) {
	Default().LogAttrs(ctx, slog.LevelInfo, msg, attrsFromFields(fields)...)
}

// Warn logs a warning message with optional fields.
func Warn(ctx context.Context, msg string, fields Fields) {
	Default().LogAttrs(ctx, slog.LevelWarn, msg, attrsFromFields(fields)...)
}

// Error logs an error message with optional fields.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	attrs := attrsFromFields(fields)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	Default().LogAttrs(ctx, slog.LevelError, msg, attrs...)
}

// Debug logs a debug message with optional fields.
func Debug(ctx context.Context, msg string, fields Fields) {
	Default().LogAttrs(ctx, slog.LevelDebug, msg, attrsFromFields(fields)...)
}

func attrsFromFields(fields Fields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}
