package exception

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/ehrt/pkg/fatal"
	"github.com/grafana/ehrt/pkg/lsda"
	"github.com/grafana/ehrt/pkg/stacktrace"
	"github.com/grafana/ehrt/pkg/unwind"
)

// Terminator ends the process. Its methods do not return.
type Terminator interface {
	Terminate(msg string, o fatal.Origin)
	UncaughtException(desc string, o fatal.Origin, trace func() string)
}

// Typed payloads carry the address of their type descriptor, compared
// against type table entries by MatchExact.
type Typed interface {
	TypeInfo() uint64
}

// MatchExact matches a type table entry equal to the payload's type
// descriptor. A zero entry catches everything.
func MatchExact(_ int, typeInfo uint64, payload any) bool {
	if typeInfo == 0 {
		return true
	}
	t, ok := payload.(Typed)
	return ok && t.TypeInfo() == typeInfo
}

// Describer names a payload in diagnostics.
type Describer func(payload any) string

// DefaultDescribe prefers a Describe method, then the error message, then
// the dynamic type and value.
func DefaultDescribe(payload any) string {
	switch p := payload.(type) {
	case interface{ Describe() string }:
		return p.Describe()
	case error:
		return fmt.Sprintf("%T: %s", p, p.Error())
	}
	return fmt.Sprintf("%T: %v", payload, payload)
}

type Options struct {
	Registry   *Registry
	Terminator Terminator
	Match      lsda.MatchFunc
	Describe   Describer
	// Resolver symbolizes the traces recorded at throw time. Without it
	// frames render as unknown.
	Resolver      *stacktrace.Resolver
	CaptureTraces bool
	MaxTraceDepth int
	Color         bool
	Logger        log.Logger
	Metrics       *Metrics
}

type Runtime struct {
	registry      *Registry
	term          Terminator
	match         lsda.MatchFunc
	describe      Describer
	resolver      *stacktrace.Resolver
	captureTraces bool
	maxTraceDepth int
	color         bool
	logger        log.Logger
	metrics       *Metrics
}

func New(opts Options) *Runtime {
	r := &Runtime{
		registry:      opts.Registry,
		term:          opts.Terminator,
		match:         opts.Match,
		describe:      opts.Describe,
		resolver:      opts.Resolver,
		captureTraces: opts.CaptureTraces,
		maxTraceDepth: opts.MaxTraceDepth,
		color:         opts.Color,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
	if r.logger == nil {
		r.logger = log.NewNopLogger()
	}
	if r.registry == nil {
		r.registry = NewRegistry(r.logger, r.metrics)
	}
	if r.term == nil {
		r.term = fatal.New(fatal.Options{Logger: r.logger})
	}
	if r.match == nil {
		r.match = MatchExact
	}
	if r.describe == nil {
		r.describe = DefaultDescribe
	}
	if r.resolver == nil {
		r.resolver = stacktrace.NewResolver(stacktrace.Options{Logger: r.logger})
	}
	return r
}

func (r *Runtime) Registry() *Registry { return r.registry }

// Throw raises payload on th. Control continues in the landing pad of the
// handling frame; when no frame handles the exception the process is
// terminated after reporting it. Throw never returns.
func (r *Runtime) Throw(th *unwind.Thread, origin fatal.Origin, payload any) {
	s := r.registry.GetOrCreate(th.ID)
	h := s.CreateHeader(payload, origin)
	h.Exception.Cleanup = r.cleanup
	if r.captureTraces {
		h.Trace = stacktrace.Capture(th, r.maxTraceDepth)
	}
	s.Push(h)
	if r.metrics != nil {
		r.metrics.Thrown.Inc()
	}
	level.Debug(r.logger).Log("msg", "throw", "thread", th.ID, "origin", origin, "depth", s.Len())

	reason := unwind.RaiseException(th, &h.Exception)
	if reason == unwind.EndOfStack {
		if r.metrics != nil {
			r.metrics.Uncaught.Inc()
		}
		r.term.UncaughtException(r.describe(payload), origin, r.traceFunc(h.Trace))
	} else {
		level.Error(r.logger).Log("msg", "unwinding failed", "reason", reason, "thread", th.ID)
		r.term.Terminate("unwind error", origin)
	}
	panic(fatal.ErrAborted)
}

// CatchBegin is called by a handler landing pad. It pops the exception,
// which must be the newest one of its thread, and returns its payload.
func (r *Runtime) CatchBegin(exc *unwind.Exception) any {
	h, ok := HeaderOf(exc)
	if !ok || h.stack == nil || h.stack.Top() != h {
		r.term.Terminate("catch error", fatal.Here())
		panic(fatal.ErrAborted)
	}
	h.stack.Pop()
	payload := h.Payload
	unwind.DeleteException(exc)
	if r.metrics != nil {
		r.metrics.Caught.Inc()
	}
	return payload
}

// Resume ends a cleanup landing pad and continues unwinding. It never
// returns.
func (r *Runtime) Resume(exc *unwind.Exception) {
	reason := unwind.Resume(exc)
	origin := fatal.Here()
	if h, ok := HeaderOf(exc); ok {
		origin = h.Origin
	}
	level.Error(r.logger).Log("msg", "resume failed", "reason", reason)
	r.term.Terminate("unwind error", origin)
	panic(fatal.ErrAborted)
}

// ThreadExit drops the stack of a finished thread.
func (r *Runtime) ThreadExit(id uint64) {
	if s, ok := r.registry.Lookup(id); ok {
		r.registry.RemoveStack(s)
	}
}

// cleanup releases a header once its exception was caught. DeleteException
// is the only caller, so the reason is always ForeignExceptionCaught.
func (r *Runtime) cleanup(_ unwind.Reason, exc *unwind.Exception) {
	if h, ok := HeaderOf(exc); ok {
		h.stack.FreeHeader(h)
	}
}

func (r *Runtime) traceFunc(raw stacktrace.RawTrace) func() string {
	return func() string {
		if raw.Empty() {
			return ""
		}
		var sb strings.Builder
		_ = stacktrace.Render(&sb, r.resolver.Resolve(raw), stacktrace.RenderOptions{Color: r.color})
		return sb.String()
	}
}

var errNoMemory = errors.New("frame has no module memory")
