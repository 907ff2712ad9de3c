package app

import (
	"log/slog"
	"os"
)

// NewLogger returns a configured slog.Logger. Production runs JSON at
// info level; everywhere else a text handler with debug and source
// locations for local work.
func NewLogger(cfg *Config) *slog.Logger {
	if cfg != nil && (cfg.LogFormat == "json" || cfg.IsProduction()) {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}))
}
