package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup points the global zerolog logger at stdout. pretty selects the
// console writer; otherwise records are JSON lines.
func Setup(level string, pretty bool) {
	setup(os.Stdout, level, pretty)
}

func setup(out io.Writer, level string, pretty bool) {
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel falls back to info for unknown names.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// EnableDebug forces debug output regardless of the configured level.
func EnableDebug() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Warn().Msg("debug logging enabled")
}
