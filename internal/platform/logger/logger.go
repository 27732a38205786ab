package logger

import (
	"log/slog"
	"os"
)

// New builds the process logger: JSON to stdout at the configured level.
// Unknown levels fall back to info rather than failing startup.
func New(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
