// Package logging builds the zerolog loggers used across the channel.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment overrides, applied on top of Options.
const (
	EnvLevel  = "TCHANNEL_LOG_LEVEL"
	EnvPretty = "TCHANNEL_LOG_PRETTY"
)

// Options select the level and format of a logger.
type Options struct {
	Level  string    `toml:"level"`  // trace, debug, info, warn, error; default info
	Pretty bool      `toml:"pretty"` // Human readable console output instead of JSON
	App    string    `toml:"app"`
	Out    io.Writer `toml:"-"` // Default os.Stderr
}

// New returns a logger for opts after applying the environment overrides.
func New(opts Options) (zerolog.Logger, error) {
	if v, ok := os.LookupEnv(EnvLevel); ok && strings.TrimSpace(v) != "" {
		opts.Level = v
	}
	if v, ok := os.LookupEnv(EnvPretty); ok {
		pretty, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parse %s: %w", EnvPretty, err)
		}
		opts.Pretty = pretty
	}

	level := zerolog.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
		}
		level = l
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	return ctx.Logger(), nil
}
