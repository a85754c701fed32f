package ccp

import "log"

// stdLog is the package-wide default logger target.
var stdLog = log.Default()

func init() {
	stdLog.SetFlags(log.LstdFlags | log.Lshortfile)
}

// DefaultLogger returns the stdlib-backed Logger used when a Master is
// constructed without an explicit one in its Config.
func DefaultLogger() Logger {
	return stdLogger{}
}
