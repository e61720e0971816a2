// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvFormat selects JSON output when set to "production".
const EnvFormat = "AUDIOROUTER_ENV"

// ParseLevel accepts debug, info, warn and error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing to w. format is "text" or "json"; an empty
// format is text unless AUDIOROUTER_ENV=production.
func New(w io.Writer, level slog.Level, format string) (*slog.Logger, error) {
	if format == "" && os.Getenv(EnvFormat) == "production" {
		format = "json"
	}
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// Setup installs a stderr logger as the slog default and returns it.
func Setup(level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger, err := New(os.Stderr, lvl, format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}
