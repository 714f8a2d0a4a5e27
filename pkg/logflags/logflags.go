// Package logflags configures the per layer loggers selected with the
// --log and --log-output flags.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var debugger = false
var events = false
var breakpoints = false
var memory = false

// layers maps the names accepted by --log-output to their switch.
var layers = map[string]*bool{
	"debugger":    &debugger,
	"events":      &events,
	"breakpoints": &breakpoints,
	"memory":      &memory,
}

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

// makeLayerLogger returns a logger that prints debug messages if the layer
// is enabled and only errors otherwise.
func makeLayerLogger(layer string) Logger {
	level := logrus.ErrorLevel
	if enabled := layers[layer]; enabled != nil && *enabled {
		level = logrus.DebugLevel
	}
	return makeLogger(level, Fields{"layer": layer})
}

// Debugger returns true if the session lifecycle should be logged.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the session lifecycle.
func DebuggerLogger() Logger {
	return makeLayerLogger("debugger")
}

// Events returns true if every raw debug notification and the status it is
// continued with should be logged.
func Events() bool {
	return events
}

// EventsLogger returns a logger for raw debug notifications.
func EventsLogger() Logger {
	return makeLayerLogger("events")
}

// Breakpoints returns true if breakpoint installation, hits and re-arming
// should be logged.
func Breakpoints() bool {
	return breakpoints
}

// BreakpointsLogger returns a logger for the breakpoint engine.
func BreakpointsLogger() Logger {
	return makeLayerLogger("breakpoints")
}

// Memory returns true if the page cache and failed memory accesses should be
// logged.
func Memory() bool {
	return memory
}

// MemoryLogger returns a logger for target memory accesses.
func MemoryLogger() Logger {
	return makeLayerLogger("memory")
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup enables the layers listed, comma separated, in logstr. The
// debugger layer is enabled when logstr is empty. If logDest is not empty
// logs are written to the file descriptor or file path it names instead
// of stderr.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		if n, err := strconv.Atoi(logDest); err == nil {
			logOut = os.NewFile(uintptr(n), "wdbg-logs")
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
		logstr = "debugger"
	}
	for _, name := range strings.Split(logstr, ",") {
		// The layer list is repeated by 'wdbg help log'.
		enabled, ok := layers[strings.TrimSpace(name)]
		if !ok {
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'wdbg help log' for usage.\n", name)
			continue
		}
		*enabled = true
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter prints one line per entry: time, level, layer, the other
// fields sorted by key and the message. It does not color its output, so
// that logs stay readable in files.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), entry.Level.String())
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(&b, "%v ", layer)
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "layer" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v ", k, entry.Data[k])
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
