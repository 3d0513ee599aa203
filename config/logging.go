package config

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds a structured logger from the observability settings.
// Unknown levels fall back to info.
func NewLogger(w io.Writer, cfg ObservabilityConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
