// Package ehrt assembles the exception runtime: symbol index, trace
// resolution, the termination path and the exception entry points, all owned
// by one Runtime value.
package ehrt

import (
	"errors"
	"io"
	"runtime"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"github.com/grafana/ehrt/pkg/exception"
	"github.com/grafana/ehrt/pkg/fatal"
	"github.com/grafana/ehrt/pkg/stacktrace"
	"github.com/grafana/ehrt/pkg/symtab"
	"github.com/grafana/ehrt/pkg/unwind"
)

type Options struct {
	Logger     log.Logger
	Registerer prometheus.Registerer
	// Out and Exit replace stderr and os.Exit on the fatal path.
	Out  io.Writer
	Exit func(code int)
}

type Runtime struct {
	cfg    Config
	logger log.Logger

	index      *symtab.Index
	resolver   *stacktrace.Resolver
	term       *fatal.Terminator
	exceptions *exception.Runtime

	// language threads are numbered by the runtime, not by the OS thread
	// they run on: a nested Run shares the OS thread of its caller
	lastThread atomic.Uint64
}

func New(cfg Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if forceDebug() {
		cfg.Debug = true
	}
	r := &Runtime{cfg: cfg, logger: opts.Logger}
	if r.logger == nil {
		r.logger = log.NewNopLogger()
	}

	r.index = symtab.NewIndex(symtab.Options{
		Logger:             r.logger,
		Metrics:            symtab.NewMetrics(opts.Registerer),
		MaxLoadConcurrency: cfg.MaxModuleLoadConcurrency,
		Demangle:           cfg.Demangle,
	})
	if cfg.LoadProcessModules {
		if err := r.index.AddProcessModules(); err != nil {
			level.Warn(r.logger).Log("msg", "process modules are not indexed", "err", err)
		}
	}
	// an empty prefix would match, and trim, every frame
	trim := []string(cfg.TrimPrefixes)
	if trim != nil {
		trim = lo.Compact(trim)
	}
	r.resolver = stacktrace.NewResolver(stacktrace.Options{
		Index:        r.index,
		Logger:       r.logger,
		Metrics:      stacktrace.NewMetrics(opts.Registerer),
		TrimPrefixes: trim,
		CacheSize:    cfg.SymbolCacheSize,
	})
	r.term = fatal.New(fatal.Options{
		Out:      opts.Out,
		Exit:     opts.Exit,
		ExitCode: cfg.ExitCode,
		Trace:    r.currentTrace,
		Logger:   r.logger,
	})
	r.exceptions = exception.New(exception.Options{
		Terminator:    r.term,
		Describe:      r.describe,
		Resolver:      r.resolver,
		CaptureTraces: cfg.Debug,
		MaxTraceDepth: cfg.MaxTraceDepth,
		Color:         cfg.Color,
		Logger:        r.logger,
		Metrics:       exception.NewMetrics(opts.Registerer),
	})
	return r, nil
}

func (r *Runtime) Index() *symtab.Index { return r.index }

func (r *Runtime) Resolver() *stacktrace.Resolver { return r.resolver }

func (r *Runtime) Terminator() *fatal.Terminator { return r.term }

func (r *Runtime) Exceptions() *exception.Runtime { return r.exceptions }

// Personality is the personality routine of code compiled for this runtime.
func (r *Runtime) Personality() unwind.Personality { return r.exceptions.Personality }

// Go runs fn on a new language thread bound to its own OS thread and returns
// a function waiting for it to finish.
func (r *Runtime) Go(fn func(th *unwind.Thread)) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(fn)
	}()
	return func() { <-done }
}

// Run runs fn as a language thread on the calling goroutine, locked to its OS
// thread. Memory faults inside fn terminate the process. The thread's
// exception stack is dropped when fn returns.
func (r *Runtime) Run(fn func(th *unwind.Thread)) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	th := unwind.NewThread(r.lastThread.Inc())
	level.Debug(r.logger).Log("msg", "thread started", "thread", th.ID, "os_tid", osThreadID())
	defer r.exceptions.ThreadExit(th.ID)
	// an aborted thread only returns when Exit was replaced
	defer func() {
		if p := recover(); p != nil {
			if err, ok := p.(error); ok && errors.Is(err, fatal.ErrAborted) {
				return
			}
			panic(p)
		}
	}()
	r.term.InterceptFaults(func() { fn(th) })
}

// Throw raises payload on th with the caller as origin.
func (r *Runtime) Throw(th *unwind.Thread, payload any) {
	r.exceptions.Throw(th, fatal.Caller(0), payload)
}

func (r *Runtime) ThrowAt(th *unwind.Thread, origin fatal.Origin, payload any) {
	r.exceptions.Throw(th, origin, payload)
}

func (r *Runtime) CatchBegin(exc *unwind.Exception) any { return r.exceptions.CatchBegin(exc) }

func (r *Runtime) Resume(exc *unwind.Exception) { r.exceptions.Resume(exc) }

func (r *Runtime) Panic() { r.term.Panic(fatal.Caller(0)) }

func (r *Runtime) Terminate(msg string) { r.term.Terminate(msg, fatal.Caller(0)) }

func (r *Runtime) currentTrace() string {
	if !r.cfg.Debug {
		return ""
	}
	var sb strings.Builder
	raw := stacktrace.Capture(nil, r.cfg.MaxTraceDepth)
	_ = stacktrace.Render(&sb, r.resolver.Resolve(raw), stacktrace.RenderOptions{Color: r.cfg.Color})
	return sb.String()
}

// describe names typed payloads after the vtable symbol of their class.
func (r *Runtime) describe(payload any) string {
	if t, ok := payload.(exception.Typed); ok {
		if s, off, ok := r.index.FindByAddress(t.TypeInfo()); ok && off == 0 && s.Kind == symtab.KindVTable {
			return strings.TrimPrefix(s.Name, "vtable for ")
		}
	}
	return exception.DefaultDescribe(payload)
}
