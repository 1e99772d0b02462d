package util

import (
	"log/slog"
	"os"
	"strings"
)

// ConfigureLogger configures slog's default logger with the given
// level and either "text" or "json" format. Any format other than
// "json" selects text, which is also the config default; json suits
// log shipping of the structured (agent_id, index) fields every
// attestation-lifecycle event carries.
func ConfigureLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.ToLower(format) == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
