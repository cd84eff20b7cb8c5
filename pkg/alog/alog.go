// ABOUTME: Process-wide installable leveled logging for the AOO core
// ABOUTME: Defaults to the standard log package on standard error
package alog

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Level classifies log output.
type Level int32

const (
	Error Level = iota
	Warning
	Verbose
	Debug
)

func (l Level) String() string {
	switch l {
	case Error:
		return "error"
	case Warning:
		return "warning"
	case Verbose:
		return "verbose"
	case Debug:
		return "debug"
	}
	return "unknown"
}

// Func receives one preformatted log line.
type Func func(level Level, msg string)

var (
	logFunc  atomic.Value // Func
	maxLevel atomic.Int32
)

func init() {
	maxLevel.Store(int32(Warning))
}

// SetFunc installs the process-wide log function. Install once before
// the first source or sink is constructed; nil restores the default
// (standard error via the log package).
func SetFunc(f Func) {
	logFunc.Store(f)
}

// SetLevel sets the most verbose level that is emitted.
func SetLevel(l Level) {
	maxLevel.Store(int32(l))
}

// Logf formats and emits one line at the given level.
func Logf(level Level, format string, args ...any) {
	if int32(level) > maxLevel.Load() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if f, ok := logFunc.Load().(Func); ok && f != nil {
		f(level, msg)
		return
	}
	log.Printf("aoo: %s: %s", level, msg)
}

// Errorf logs at the Error level.
func Errorf(format string, args ...any) { Logf(Error, format, args...) }

// Warningf logs at the Warning level.
func Warningf(format string, args ...any) { Logf(Warning, format, args...) }

// Verbosef logs at the Verbose level.
func Verbosef(format string, args ...any) { Logf(Verbose, format, args...) }

// Debugf logs at the Debug level.
func Debugf(format string, args ...any) { Logf(Debug, format, args...) }
