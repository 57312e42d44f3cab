/*
PURPOSE:
  Provides a structured logger for Prompt Harness.
  Wraps slog for consistent output.

REQUIREMENTS:
  User-specified:
  - "Sane" CLI output. Not spammy.

  Implementation-discovered:
  - Storage and recovery paths log warnings instead of failing runs.
  - Level and format come from config (text for humans, json for pipes).

ARCHITECTURE INTEGRATION:
  - Used everywhere.

IMPLEMENTATION RULES:
  - Use `log/slog`.
  - Logs go to stderr so command output on stdout stays machine readable.

USAGE:
  output.Logger.Info("message", "key", "value")
*/

package output

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var Logger *slog.Logger

func init() {
	Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// SetLogger allows overriding the default logger (e.g. for testing or config changes)
func SetLogger(l *slog.Logger) {
	Logger = l
}

// Configure replaces Logger with one built from config values.
// Unknown levels fall back to info, unknown formats to text.
func Configure(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	SetLogger(slog.New(h))
}

// ParseLevel maps a config string to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
