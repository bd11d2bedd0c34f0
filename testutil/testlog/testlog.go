// Package testlog routes zerolog output through testing.TB.
package testlog

import (
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

type writer struct {
	t    testing.TB
	done atomic.Bool
}

func (w *writer) Write(p []byte) (int, error) {
	if !w.done.Load() {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

// New returns a logger that writes through t.Log until the test finishes. Goroutines that
// outlive the test are silenced rather than panicking. The level comes from
// TCHANNEL_LOG_LEVEL and defaults to info.
func New(t testing.TB) zerolog.Logger {
	w := &writer{t: t}
	t.Cleanup(func() { w.done.Store(true) })

	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("TCHANNEL_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		Level(level).
		With().Timestamp().Str("test", t.Name()).Logger()
}
