// Package logx wraps zerolog with environment-aware defaults for botyard.
package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment is the deployment environment the worker runs in.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// ParseEnvironment normalises v into a known environment. Unknown values fall
// back to Development.
func ParseEnvironment(v string) Environment {
	switch Environment(strings.ToLower(strings.TrimSpace(v))) {
	case Production:
		return Production
	case Staging:
		return Staging
	case Testing:
		return Testing
	default:
		return Development
	}
}

// Options controls logger construction.
type Options struct {
	Environment Environment
	Level       string    // debug, info, warn, error; empty picks a per-environment default
	Out         io.Writer // defaults to os.Stderr
}

// New builds a zerolog.Logger. Production writes JSON; every other
// environment gets the human-readable console writer.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	level := zerolog.DebugLevel
	if opts.Environment == Production {
		level = zerolog.InfoLevel
	}
	if opts.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level)); err == nil {
			level = parsed
		}
	}

	var logger zerolog.Logger
	if opts.Environment == Production {
		logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Caller().Logger()
	}
	return logger.Level(level)
}

// Init installs a logger built from opts as the global zerolog logger.
func Init(opts Options) zerolog.Logger {
	log.Logger = New(opts)
	return log.Logger
}
