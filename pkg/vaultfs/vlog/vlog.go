// Package vlog is the ambient structured-logging surface for the storage
// engine. The teacher and the rest of the retrieved corpus never wire in a
// logger (everything there reports failure purely through returned
// errors), so there is no in-pack logging idiom to imitate directly; this
// wraps zerolog, the logger the wider Go ecosystem reaches for when a
// library needs structured, leveled, low-allocation logging without
// pulling in a full framework.
package vlog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Options configures a [New] logger.
type Options struct {
	// Writer receives log output. Defaults to os.Stderr.
	Writer io.Writer
	// Level sets the minimum level that is actually written.
	// zerolog.NoLevel selects zerolog.InfoLevel; the zero value is
	// zerolog.DebugLevel.
	Level zerolog.Level
	// Pretty renders a human-readable console format instead of JSON lines,
	// for interactive `vaultctl` use.
	Pretty bool
}

// New builds a logger for one repository, tagging every line with the
// repository's short volume id so multi-repo processes can tell entries
// apart.
func New(volumeID string, opts Options) zerolog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	level := opts.Level
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("volume", volumeID).Logger()
}

// Nop returns a logger that discards everything, used as the default when
// a caller does not configure one explicitly (tests, library embedding).
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
