package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	Env   string
	Level string
	File  string
}

// New builds the process logger. Output always goes to stdout and, when a
// file path is configured, to a rotating file as well. The returned closer
// is never nil.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	var console io.Writer = os.Stdout
	if opts.Env == "development" {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var closer io.Closer = nopCloser{}
	out := console
	if opts.File != "" {
		rw, err := NewRotatingWriter(opts.File, maxLogSize)
		if err != nil {
			return zerolog.Nop(), closer, err
		}
		closer = rw
		out = zerolog.MultiLevelWriter(console, rw)
	}

	logger := zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Logger()

	return logger, closer, nil
}

// ParseLevel maps a LOG_LEVEL value to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
