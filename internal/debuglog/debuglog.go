// Package debuglog gates low-severity log lines behind the debug config flag.
package debuglog

import (
	"fmt"
	"log"
	"sync/atomic"
)

var enabled atomic.Bool

// SetEnabled turns debug logging on or off.
func SetEnabled(on bool) { enabled.Store(on) }

// Printf logs through the standard logger when debug logging is on. Caller
// file and line are reported as the caller's, not this package's.
func Printf(format string, args ...any) {
	if !enabled.Load() {
		return
	}
	_ = log.Output(2, fmt.Sprintf(format, args...))
}
