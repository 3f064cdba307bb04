package logflags

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

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
		flag bool
		want logrus.Level
	}{
		{false, logrus.ErrorLevel},
		{true, logrus.DebugLevel},
	} {
		actual := makeFlaggableLogger(tc.flag, Fields{"foo": "bar"})
		actualEntry, ok := actual.(*logrusLogger)
		if !ok {
			t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrusLogger)(nil)), reflect.TypeOf(actual))
		}
		if actualEntry.Entry.Logger.Level != tc.want {
			t.Errorf("flag %v: level = %v; want %v", tc.flag, actualEntry.Entry.Logger.Level, tc.want)
		}
		if len(actualEntry.Entry.Data) != 1 || actualEntry.Data["foo"] != "bar" {
			t.Errorf("expected actualEntry.Entry.Data to be {'foo':'bar'}; but was <%v>", actualEntry.Data)
		}
	}
}

func TestSetup(t *testing.T) {
	defer reset()
	if err := Setup(false, "events", ""); err != errLogstrWithoutLog {
		t.Fatalf("Setup(false, \"events\") = %v; want %v", err, errLogstrWithoutLog)
	}
	if err := Setup(true, "events,breakpoints", ""); err != nil {
		t.Fatal(err)
	}
	if !Events() || !Breakpoints() {
		t.Errorf("events=%v breakpoints=%v; want both enabled", Events(), Breakpoints())
	}
	if Process() || FnCall() || Native() || Stophook() {
		t.Errorf("unexpected layer enabled")
	}
	reset()
	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Process() {
		t.Errorf("default layer not enabled")
	}
}

func TestTextFormatter(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.DebugLevel,
		Message: "site enabled",
		Data:    logrus.Fields{"layer": "proc", "kind": "breakpoints", "addr": "0x1000", "id": 1},
	}
	out, err := textFormatterInstance.Format(entry)
	if err != nil {
		t.Fatal(err)
	}
	want := "2020-01-02T03:04:05Z debug proc breakpoints site enabled addr=0x1000 id=1\n"
	if string(out) != want {
		t.Errorf("got %q; want %q", out, want)
	}
	if strings.Count(string(out), "\n") != 1 {
		t.Errorf("expected a single line")
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw bufferWriter) Close() error {
	return nil
}
