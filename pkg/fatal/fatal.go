// Package fatal implements process termination for unrecoverable conditions:
// uncaught exceptions, broken unwinder invariants, panics and memory faults.
// Nothing is unwound; a diagnostic and a best-effort trace are written and
// the process aborts.
package fatal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// DefaultExitCode is the status of a process killed by SIGABRT.
const DefaultExitCode = 134

// ErrAborted is the panic value raised after the exit function returned,
// which only happens when it was replaced.
var ErrAborted = errors.New("aborted")

// Origin is the source location a fatal condition is reported from.
type Origin struct {
	File     string
	Function string
	Line     int
}

func (o Origin) String() string {
	return fmt.Sprintf("%s/%s:%d", o.File, o.Function, o.Line)
}

// Caller returns the Origin of the caller of the function calling Caller,
// skipping skip additional frames.
func Caller(skip int) Origin { return caller(skip + 3) }

// Here returns the Origin of the function calling Here.
func Here() Origin { return caller(2) }

func caller(skip int) Origin {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return Origin{File: "??", Function: "??"}
	}
	o := Origin{File: file, Line: line, Function: "??"}
	if fn := runtime.FuncForPC(pc); fn != nil {
		o.Function = fn.Name()
	}
	return o
}

type Options struct {
	// Out receives the diagnostics, os.Stderr when nil.
	Out io.Writer
	// Exit ends the process, os.Exit when nil.
	Exit     func(code int)
	ExitCode int
	// Trace renders the current stack trace. It may panic; the diagnostic
	// then degrades to a note that tracing failed.
	Trace  func() string
	Logger log.Logger
}

type Terminator struct {
	out    io.Writer
	exit   func(int)
	code   int
	trace  func() string
	logger log.Logger

	terminating atomic.Bool
}

func New(opts Options) *Terminator {
	t := &Terminator{
		out:    opts.Out,
		exit:   opts.Exit,
		code:   opts.ExitCode,
		trace:  opts.Trace,
		logger: opts.Logger,
	}
	if t.out == nil {
		t.out = os.Stderr
	}
	if t.exit == nil {
		t.exit = os.Exit
	}
	if t.code == 0 {
		t.code = DefaultExitCode
	}
	if t.logger == nil {
		t.logger = log.NewNopLogger()
	}
	return t
}

// Terminating reports whether a fatal path was entered.
func (t *Terminator) Terminating() bool { return t.terminating.Load() }

func (t *Terminator) enter(kind string) {
	if t.terminating.Swap(true) {
		fmt.Fprintln(t.out, "terminating called recursively")
		t.abort()
	}
	level.Debug(t.logger).Log("msg", "entering fatal path", "kind", kind)
}

func (t *Terminator) abort() {
	t.exit(t.code)
	panic(ErrAborted)
}

// printTrace writes the trace produced by fn. A panicking fn ends in
// abortNoTrace; an abort raised from inside fn keeps propagating.
func (t *Terminator) printTrace(fn func() string) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && errors.Is(err, ErrAborted) {
				panic(r)
			}
			level.Warn(t.logger).Log("msg", "stack trace failed", "panic", fmt.Sprint(r))
			t.abortNoTrace()
		}
	}()
	if s := fn(); s != "" {
		fmt.Fprintln(t.out, s)
	}
}

// Terminate reports an internal consistency failure and aborts.
func (t *Terminator) Terminate(msg string, o Origin) {
	t.enter("terminate")
	fmt.Fprintf(t.out, "terminate (%s): %s\n", o, msg)
	t.printTrace(t.trace)
	t.abort()
}

func (t *Terminator) Panic(o Origin) {
	t.enter("panic")
	fmt.Fprintf(t.out, "Panic in file \"%s\", at line %d, in function \"%s\" !!! \n", o.File, o.Line, o.Function)
	t.printTrace(t.trace)
	t.abort()
}

// PanicNoTrace aborts without attempting a trace, for callers that are
// themselves part of trace production.
func (t *Terminator) PanicNoTrace() {
	t.enter("panic_no_trace")
	t.abortNoTrace()
}

// abortNoTrace is the tail of PanicNoTrace for paths already inside the
// fatal path.
func (t *Terminator) abortNoTrace() {
	fmt.Fprintln(t.out, "Panic during stacktrace !")
	t.abort()
}

func (t *Terminator) SegFault(addr uintptr) {
	t.enter("segfault")
	fmt.Fprintf(t.out, "Segfault - %#x\n", addr)
	t.printTrace(t.trace)
	fmt.Fprintln(t.out)
	t.abort()
}

// UncaughtException reports an exception no frame handled. trace renders
// the trace recorded when it was thrown; the current trace is used when nil.
func (t *Terminator) UncaughtException(desc string, o Origin, trace func() string) {
	t.enter("uncaught")
	fmt.Fprintln(t.out, "Unhandled exception")
	fmt.Fprintf(t.out, "Exception in file \"%s\", at line %d", o.File, o.Line)
	if o.Function != "" {
		fmt.Fprintf(t.out, ", in function \"%s\"", o.Function)
	}
	fmt.Fprintf(t.out, ", of type %s.\n", desc)
	if trace == nil {
		trace = t.trace
	}
	t.printTrace(trace)
	t.abort()
}

// InterceptFaults runs fn with faulting memory accesses turned into panics
// and routes them to SegFault. Other panics propagate.
func (t *Terminator) InterceptFaults(fn func()) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if addr, ok := faultAddr(r); ok {
			t.SegFault(addr)
		}
		panic(r)
	}()
	fn()
}

func faultAddr(r any) (uintptr, bool) {
	err, ok := r.(runtime.Error)
	if !ok {
		return 0, false
	}
	if af, ok := err.(interface{ Addr() uintptr }); ok {
		return af.Addr(), true
	}
	if strings.Contains(err.Error(), "invalid memory address") {
		return 0, true
	}
	return 0, false
}
