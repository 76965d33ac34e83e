package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var traceFile = false
var traceDump = false
var traceSearch = false
var terminal = false
var anyFlag = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = DefaultFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Any returns true if any logging is enabled.
func Any() bool {
	return anyFlag
}

// TraceFile returns true if the tracefile package should log its index
// pass, page faults and evictions.
func TraceFile() bool {
	return traceFile
}

// TraceFileLogger returns a logger for the tracefile package.
func TraceFileLogger() Logger {
	return makeFlaggableLogger(traceFile, Fields{"layer": "tracefile"})
}

// TraceDump returns true if the tracedump package should log ingestion
// and teardown of the memory history.
func TraceDump() bool {
	return traceDump
}

// TraceDumpLogger returns a logger for the tracedump package.
func TraceDumpLogger() Logger {
	return makeFlaggableLogger(traceDump, Fields{"layer": "tracedump"})
}

// TraceSearch returns true if searches should log their progress.
func TraceSearch() bool {
	return traceSearch
}

// TraceSearchLogger returns a logger for the tracesearch package.
func TraceSearchLogger() Logger {
	return makeFlaggableLogger(traceSearch, Fields{"layer": "tracesearch"})
}

// Terminal returns true if the terminal should log the commands it runs.
func Terminal() bool {
	return terminal
}

// TerminalLogger returns a logger for the terminal package.
func TerminalLogger() Logger {
	return makeFlaggableLogger(terminal, Fields{"layer": "terminal"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logger flags based on the contents of logstr.
// If logDest is specified logs will be written to it, it can be either a
// file path or the number of an open file descriptor.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "dlvtrace-logs")
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
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "tracefile"
	}
	anyFlag = true
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "tracefile":
			traceFile = true
		case "tracedump":
			traceDump = true
		case "tracesearch":
			traceSearch = true
		case "terminal":
			terminal = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'dlvtrace help log' for usage.\n", logcmd)
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
