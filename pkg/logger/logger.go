// Package logx configures the process-wide zerolog logger. Components
// log through zerolog's global logger; Init runs once at startup,
// usually as a side effect of importing the autoload subpackage.
package logx

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the log level and output format. PrettyFormat is for
// local development; deployed runs emit JSON lines.
type Config struct {
	Debug        bool `split_words:"true" default:"false"`
	PrettyFormat bool `split_words:"true" default:"false"`
}

// Init replaces the global logger according to the given config.
// Calling it with no arguments yields info-level JSON output.
func Init(opts ...Config) {
	var cfg Config
	if len(opts) > 0 {
		cfg = opts[0]
	}

	writer := zerolog.New(os.Stdout)
	if cfg.PrettyFormat {
		writer = zerolog.New(zerolog.NewConsoleWriter())
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	log.Logger = writer.Level(level).With().Timestamp().Caller().Stack().Logger()
}
