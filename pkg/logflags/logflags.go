package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var process = false
var events = false
var breakpoints = false
var fnCall = false
var native = false
var stophook = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Process returns true if the process controller should log state
// transitions and lifecycle operations.
func Process() bool {
	return process
}

// ProcessLogger returns a logger for the process controller.
func ProcessLogger() Logger {
	return makeFlaggableLogger(process, Fields{"layer": "proc"})
}

// Events returns true if event bus traffic should be logged.
func Events() bool {
	return events
}

// EventsLogger returns a logger for the event bus and the control loop.
func EventsLogger() Logger {
	return makeFlaggableLogger(events, Fields{"layer": "proc", "kind": "events"})
}

// Breakpoints returns true if breakpoint site patching should be logged.
func Breakpoints() bool {
	return breakpoints
}

// BreakpointsLogger returns a logger for the breakpoint site table.
func BreakpointsLogger() Logger {
	return makeFlaggableLogger(breakpoints, Fields{"layer": "proc", "kind": "breakpoints"})
}

// FnCall returns true if the synchronous thread plan runner should be logged.
func FnCall() bool {
	return fnCall
}

// FnCallLogger returns a logger for the synchronous thread plan runner.
func FnCallLogger() Logger {
	return makeFlaggableLogger(fnCall, Fields{"layer": "proc", "kind": "fncall"})
}

// Native returns true if the native backend should log its ptrace traffic.
func Native() bool {
	return native
}

func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

// Stophook returns true if stop hook scripts should be logged.
func Stophook() bool {
	return stophook
}

func StophookLogger() Logger {
	return makeFlaggableLogger(stophook, Fields{"layer": "stophook"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "dbgcore-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "proc"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "proc":
			process = true
		case "events":
			events = true
		case "breakpoints":
			breakpoints = true
		case "fncall":
			fnCall = true
		case "native":
			native = true
		case "stophook":
			stophook = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'dbgcore help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// reset restores every layer to its default, used by tests.
func reset() {
	process, events, breakpoints, fnCall, native, stophook = false, false, false, false, false, false
}
