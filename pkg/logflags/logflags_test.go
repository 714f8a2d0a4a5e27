package logflags

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

func resetLayers() {
	for _, enabled := range layers {
		*enabled = false
	}
}

func TestMakeLoggerUsingLoggerFactory(t *testing.T) {
	out := &bufferWriter{}
	logOut = out
	defer func() {
		loggerFactory = nil
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, w io.Writer) Logger {
		if level != logrus.TraceLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.TraceLevel, level)
		}
		if len(fields) != 1 || fields["layer"] != "events" {
			t.Fatalf("expected fields to be {'layer':'events'}; but was <%v>", fields)
		}
		if w != out {
			t.Fatalf("expected out to be the log destination; but was <%v>", w)
		}
		return expectedLogger
	})

	if actual := makeLogger(logrus.TraceLevel, Fields{"layer": "events"}); actual != expectedLogger {
		t.Fatalf("expected the factory logger; but was <%v>", actual)
	}
}

func TestLayerLoggerLevels(t *testing.T) {
	defer resetLayers()
	breakpoints = true

	for _, tc := range []struct {
		logger func() Logger
		layer  string
		level  logrus.Level
	}{
		{DebuggerLogger, "debugger", logrus.ErrorLevel},
		{EventsLogger, "events", logrus.ErrorLevel},
		{BreakpointsLogger, "breakpoints", logrus.DebugLevel},
		{MemoryLogger, "memory", logrus.ErrorLevel},
	} {
		l, ok := tc.logger().(*logrusLogger)
		if !ok {
			t.Fatalf("%s: expected a *logrusLogger", tc.layer)
		}
		if l.Entry.Logger.Level != tc.level {
			t.Errorf("%s: expected level <%v>; but was <%v>", tc.layer, tc.level, l.Entry.Logger.Level)
		}
		if l.Entry.Data["layer"] != tc.layer {
			t.Errorf("%s: layer field is %v", tc.layer, l.Entry.Data["layer"])
		}
		if l.Entry.Logger.Formatter != textFormatterInstance {
			t.Errorf("%s: unexpected formatter %v", tc.layer, l.Entry.Logger.Formatter)
		}
	}
}

func TestLoggerWritesToLogDest(t *testing.T) {
	out := &bufferWriter{}
	logOut = out
	defer func() {
		logOut = nil
		resetLayers()
	}()
	memory = true

	MemoryLogger().WithField("pid", 7).Debugf("read %d bytes", 16)
	EventsLogger().Debugf("not shown")

	s := out.String()
	if !strings.Contains(s, "debug memory pid=7 read 16 bytes\n") {
		t.Fatalf("unexpected log output %q", s)
	}
	if strings.Contains(s, "not shown") {
		t.Fatalf("disabled layer logged: %q", s)
	}
}

func TestSetup(t *testing.T) {
	defer resetLayers()
	if err := Setup(false, "events", ""); !errors.Is(err, errLogstrWithoutLog) {
		t.Fatalf("expected errLogstrWithoutLog, got %v", err)
	}
	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Debugger() || Events() {
		t.Fatalf("expected only the debugger layer to be enabled")
	}
	if err := Setup(true, "events, breakpoints,memory,nosuchlayer", ""); err != nil {
		t.Fatal(err)
	}
	if !Events() || !Breakpoints() || !Memory() {
		t.Fatalf("expected events, breakpoints and memory layers to be enabled")
	}
}

func TestTextFormatterSortsFields(t *testing.T) {
	logger := logrus.New()
	entry := logger.WithFields(logrus.Fields{"layer": "events", "tid": 43, "pid": 42})
	entry.Message = "exception"
	entry.Level = logrus.DebugLevel
	out, err := textFormatterInstance.Format(entry)
	if err != nil {
		t.Fatal(err)
	}
	if s := string(out); !strings.HasSuffix(s, " debug events pid=42 tid=43 exception\n") {
		t.Fatalf("unexpected formatted entry %q", s)
	}
}
