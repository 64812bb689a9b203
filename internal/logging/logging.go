// Package logging builds the server's root [slog.Logger].
//
// Every record carries service=rollout. JSON is the default encoding; text is
// meant for local development.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the encoding of log records.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

const serviceName = "rollout"

// New creates a logger writing to stderr. See [ParseLevel] for level strings.
func New(level string, format Format) *slog.Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter is like [New] but writes to w.
func NewWithWriter(level string, format Format, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if format == FormatText {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With(slog.String("service", serviceName))
}

// ParseLevel converts a level string to a [slog.Level], case-insensitively.
// Unknown and empty values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat validates a LOG_FORMAT value. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown log format %q (want json or text)", s)
	}
}
