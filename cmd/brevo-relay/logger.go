package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/log"

	"github.com/shineum/brevo-relay/internal/config"
)

// newLogger builds the process logger. "json" writes slog JSON lines; "text"
// uses a charmbracelet logger as the slog handler.
func newLogger(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	switch cfg.Format {
	case "text":
		handler := log.NewWithOptions(w, log.Options{
			Level:           level,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
			Prefix:          "brevo-relay",
		})
		return slog.New(handler), nil
	case "json", "":
		// charmbracelet levels share slog's numeric values.
		handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slog.Level(level),
		})
		return slog.New(handler), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
