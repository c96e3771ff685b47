// Package gwlog is the gateway's process-wide logger: a single
// *log.Logger whose level is derived from repeatable --verbose/--quiet
// flags, with per-component sub-loggers for each subsystem.
package gwlog

import (
	"os"

	"github.com/charmbracelet/log"
)

var base = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      "15:04:05.000",
})

// SetVerbosity maps the repeatable --verbose/--quiet counts from the
// CLI onto a charmbracelet/log level. Baseline is Info; each verbose
// step lowers it one level, each quiet step raises it one level.
func SetVerbosity(verboseCount, quietCount int) {
	delta := quietCount - verboseCount
	level := log.InfoLevel + log.Level(delta*4)

	switch {
	case level <= log.DebugLevel:
		base.SetLevel(log.DebugLevel)
	case level >= log.FatalLevel:
		base.SetLevel(log.FatalLevel)
	default:
		base.SetLevel(level)
	}
}

// For returns a named sub-logger, e.g. gwlog.For("arbiter").
func For(component string) *log.Logger {
	return base.WithPrefix(component)
}

// Base returns the root logger, for callers that don't need a prefix.
func Base() *log.Logger {
	return base
}
