package fatal

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type exitRecorder struct {
	codes []int
}

func (e *exitRecorder) exit(code int) { e.codes = append(e.codes, code) }

func newTest(trace func() string) (*Terminator, *bytes.Buffer, *exitRecorder) {
	var out bytes.Buffer
	rec := &exitRecorder{}
	return New(Options{Out: &out, Exit: rec.exit, Trace: trace}), &out, rec
}

var origin = Origin{File: "main.yr", Function: "main::foo", Line: 12}

func TestTerminate(t *testing.T) {
	term, out, rec := newTest(func() string { return "<trace>" })
	require.PanicsWithError(t, ErrAborted.Error(), func() { term.Terminate("unwind error", origin) })
	require.Equal(t, "terminate (main.yr/main::foo:12): unwind error\n<trace>\n", out.String())
	require.Equal(t, []int{DefaultExitCode}, rec.codes)
	require.True(t, term.Terminating())
}

func TestPanic(t *testing.T) {
	term, out, rec := newTest(nil)
	require.PanicsWithError(t, ErrAborted.Error(), func() { term.Panic(origin) })
	require.Equal(t, "Panic in file \"main.yr\", at line 12, in function \"main::foo\" !!! \n", out.String())
	require.Equal(t, []int{DefaultExitCode}, rec.codes)
}

func TestPanicNoTrace(t *testing.T) {
	term, out, _ := newTest(func() string {
		t.Fatal("trace must not be produced")
		return ""
	})
	require.PanicsWithError(t, ErrAborted.Error(), term.PanicNoTrace)
	require.Equal(t, "Panic during stacktrace !\n", out.String())
}

func TestFailingTraceDegrades(t *testing.T) {
	term, out, rec := newTest(func() string { panic("broken symbol table") })
	require.PanicsWithError(t, ErrAborted.Error(), func() { term.Panic(origin) })
	require.True(t, strings.HasSuffix(out.String(), "Panic during stacktrace !\n"))
	require.Len(t, rec.codes, 1)

	// the segfault report stops at the failed trace
	term, out, rec = newTest(func() string { panic("broken symbol table") })
	require.PanicsWithError(t, ErrAborted.Error(), func() { term.SegFault(0x10) })
	require.Equal(t, "Segfault - 0x10\nPanic during stacktrace !\n", out.String())
	require.Equal(t, []int{DefaultExitCode}, rec.codes)
}

func TestReentry(t *testing.T) {
	var term *Terminator
	term, out, rec := newTest(func() string {
		term.Terminate("nested", origin)
		return "unreachable"
	})
	require.PanicsWithError(t, ErrAborted.Error(), func() { term.Terminate("first", origin) })
	require.Equal(t, "terminate (main.yr/main::foo:12): first\nterminating called recursively\n", out.String())
	require.Equal(t, []int{DefaultExitCode}, rec.codes)

	out.Reset()
	require.PanicsWithError(t, ErrAborted.Error(), term.PanicNoTrace)
	require.Equal(t, "terminating called recursively\n", out.String())
}

func TestUncaughtException(t *testing.T) {
	term, out, _ := newTest(func() string { return "current" })
	require.PanicsWithError(t, ErrAborted.Error(), func() {
		term.UncaughtException("main::SomeError", origin, func() string { return "thrown here" })
	})
	require.Equal(t, "Unhandled exception\n"+
		"Exception in file \"main.yr\", at line 12, in function \"main::foo\", of type main::SomeError.\n"+
		"thrown here\n", out.String())

	term, out, _ = newTest(func() string { return "current" })
	require.PanicsWithError(t, ErrAborted.Error(), func() {
		term.UncaughtException("E", Origin{File: "a.yr", Line: 1}, nil)
	})
	require.Equal(t, "Unhandled exception\nException in file \"a.yr\", at line 1, of type E.\ncurrent\n", out.String())
}

func TestInterceptFaults(t *testing.T) {
	term, out, rec := newTest(nil)
	require.PanicsWithError(t, ErrAborted.Error(), func() {
		term.InterceptFaults(func() {
			var p *[64]byte
			_ = p[8]
		})
	})
	require.True(t, strings.HasPrefix(out.String(), "Segfault - "), out.String())
	require.Equal(t, []int{DefaultExitCode}, rec.codes)

	term, _, rec = newTest(nil)
	require.PanicsWithValue(t, "not a fault", func() {
		term.InterceptFaults(func() { panic("not a fault") })
	})
	errBoom := errors.New("boom")
	require.PanicsWithError(t, errBoom.Error(), func() {
		term.InterceptFaults(func() { panic(errBoom) })
	})
	require.Empty(t, rec.codes)
	require.False(t, term.Terminating())
	term.InterceptFaults(func() {})
}

func TestCaller(t *testing.T) {
	o := helperOrigin()
	require.True(t, strings.HasSuffix(o.File, "fatal_test.go"), o.File)
	require.True(t, strings.HasSuffix(o.Function, "TestCaller"), o.Function)
	require.NotZero(t, o.Line)
}

func helperOrigin() Origin { return Caller(0) }

func TestHere(t *testing.T) {
	o := Here()
	require.True(t, strings.HasSuffix(o.Function, "TestHere"), o.Function)
}
