package logflags

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer func() {
		loggerFactory = nil
	}()
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.TraceLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.TraceLevel, level)
		}
		if len(fields) != 1 || fields["foo"] != "bar" {
			t.Fatalf("expected fields to be {'foo':'bar'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	actual := makeLogger(logrus.TraceLevel, Fields{"foo": "bar"})
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeFlaggableLogger(t *testing.T) {
	for _, tc := range []struct {
		flag  bool
		level logrus.Level
	}{
		{false, logrus.ErrorLevel},
		{true, logrus.DebugLevel},
	} {
		actual := makeFlaggableLogger(tc.flag, Fields{"foo": "bar"})
		actualEntry, expectedType := actual.(*logrusLogger)
		if !expectedType {
			t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrusLogger)(nil)), reflect.TypeOf(actual))
		}
		if actualEntry.Entry.Logger.Level != tc.level {
			t.Errorf("flag %v: expected level <%v>; but was <%v>", tc.flag, tc.level, actualEntry.Logger.Level)
		}
		if len(actualEntry.Entry.Data) != 1 || actualEntry.Data["foo"] != "bar" {
			t.Errorf("expected actualEntry.Entry.Data to be {'foo':'bar'}; but was <%v>", actualEntry.Data)
		}
	}
}

func TestLayerLoggerOutput(t *testing.T) {
	buf := &bufferWriter{}
	logOut = buf
	defer func() {
		logOut = nil
	}()
	native = true
	defer func() {
		native = false
	}()

	NativeLogger().WithField("pid", 42).Debugf("stopped %d threads", 3)
	PtraceLogger().Debugf("this is not printed")

	out := buf.String()
	if !strings.Contains(out, "debug native pid=42 stopped 3 threads") {
		t.Errorf("unexpected log output %q", out)
	}
	if strings.Contains(out, "not printed") {
		t.Errorf("disabled layer logged: %q", out)
	}
}

func TestSetup(t *testing.T) {
	defer func() {
		native, ptrace, mainloop, terminal = false, false, false, false
	}()
	if err := Setup(false, "ptrace", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog, got %v", err)
	}
	if err := Setup(true, "ptrace,mainloop", ""); err != nil {
		t.Fatal(err)
	}
	if native || !Ptrace() || !MainLoop() || Terminal() {
		t.Errorf("wrong layers enabled: native=%v ptrace=%v mainloop=%v terminal=%v", native, ptrace, mainloop, terminal)
	}
	if err := Setup(true, "gdbwire", ""); err == nil {
		t.Errorf("expected error for unknown layer")
	}
	if err := Setup(true, "", ""); err != nil || !Native() {
		t.Errorf("default layer not enabled (%v)", err)
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}
