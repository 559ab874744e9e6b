// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Settings struct {
	Level  string
	Format string
	// WithCaller adds file:line to every entry.
	WithCaller bool
}

// Init replaces log.Logger. Output goes to stderr; "auto" picks the console writer when
// stderr is a terminal and JSON otherwise.
func Init(s Settings) error {
	return InitWithWriter(s, os.Stderr, isatty.IsTerminal(os.Stderr.Fd()))
}

func InitWithWriter(s Settings, w io.Writer, terminal bool) error {
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", s.Level)
		}
		level = l
	}

	out := w
	switch strings.ToLower(s.Format) {
	case "", FormatAuto:
		if terminal {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
		}
	case FormatConsole:
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000", NoColor: !terminal}
	case FormatJSON:
	default:
		return errors.Errorf("invalid log format %q", s.Format)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	zerolog.SetGlobalLevel(level)
	return nil
}
