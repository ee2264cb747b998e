// Package logging installs the process-wide slog default handler: colorized
// tint output to an interactive terminal, structured JSON otherwise.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Setup installs the default slog handler for the process. Call once from
// main before anything else logs.
func Setup(level slog.Level) {
	var out io.Writer = os.Stderr
	var h slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = colorable.NewColorable(os.Stderr)
		h = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(h))
}
