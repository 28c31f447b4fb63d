package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to stderr at the given level.
// Format "json" emits one JSON object per line; anything else uses the console writer.
func New(level, format string) zerolog.Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) zerolog.Logger {
	out := w
	if !strings.EqualFold(format, "json") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("service", "vehicle-monitor").
		Logger()
}

// parseLevel falls back to info for unknown or empty levels.
func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.TrimSpace(level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// MaskToken shortens a bearer token for log output.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
