// Package monitoring provides the redirectable diagnostic logger shared by
// the host-facing subsystems. The estimator core logs through the standard
// library directly; this indirection exists so replay batch jobs and tests
// can mute or capture the chatter.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
