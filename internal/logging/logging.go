// Package logging builds the process logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// TimeFormat is used by the console writer.
const TimeFormat = "15:04:05.000"

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// New returns a logger writing to w at level. A terminal gets the console
// writer; anything else gets JSON lines.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return newLogger(w, level, IsTerminal(w))
}

func newLogger(w io.Writer, level zerolog.Level, console bool) zerolog.Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: TimeFormat}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
