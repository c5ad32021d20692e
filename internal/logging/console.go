package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// NewConsole builds the process-wide operational logger. Output goes to w
// (stderr in production) through a tinted handler, whether or not w is a
// terminal; debug controls the minimum level.
func NewConsole(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})
	return slog.New(h)
}

// NewDefaultConsole is the convenience constructor used by cmd/clawpotd.
func NewDefaultConsole(debug bool) *slog.Logger {
	return NewConsole(os.Stderr, debug)
}
