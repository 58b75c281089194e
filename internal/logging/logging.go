// Package logging constructs the process's structured logger, matching
// the tint-based console handler mcastrelay/cmd/server/main.go uses.
package logging

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a slog.Logger writing colorized, human-readable lines to w.
// verbose selects slog.LevelDebug over the default slog.LevelInfo.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
