package config

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the process-wide logger. Components take a *slog.Logger option
// and fall back to this one.
var Logger = NewLogger(os.Getenv("TWEETSTREAM_LOG_LEVEL"))

// NewLogger builds a text logger on stderr at the named level
// (debug, info, warn, error). Unknown names mean info.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

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
