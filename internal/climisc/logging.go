// Package climisc contains the singleton logger and small CLI-facing
// helpers shared by every other package, mirroring
// thought-machine/please's src/cli/logging package: a single dependency
// everywhere, with verbosity wired in by the entry point rather than each
// package configuring its own handler.
package climisc

import (
	"os"

	"gopkg.in/op/go-logging.v1"
)

// Log is the singleton logger instance used by every package in this
// module; like the teacher, we never log the module name and never hand
// out multiple loggers, which sidesteps races over handler configuration.
var Log = logging.MustGetLogger("plower")

// Re-exports of the levels callers care about when wiring -v/--verbosity.
const (
	CRITICAL = logging.CRITICAL
	ERROR    = logging.ERROR
	WARNING  = logging.WARNING
	NOTICE   = logging.NOTICE
	INFO     = logging.INFO
	DEBUG    = logging.DEBUG
)

// InitLogging sets up a single stderr backend at the given verbosity,
// matching the flat, no-frills formatting the teacher uses for its CLI.
func InitLogging(verbosity logging.Level) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(`%{time:15:04:05.000} %{level:-7s} %{message}`)
	formatted := logging.NewBackendFormatter(backend, formatter)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(verbosity, "")
	logging.SetBackend(leveled)
}
