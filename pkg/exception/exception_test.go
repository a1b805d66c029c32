package exception

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/ehrt/pkg/ehenc"
	"github.com/grafana/ehrt/pkg/fatal"
	"github.com/grafana/ehrt/pkg/lsda"
	"github.com/grafana/ehrt/pkg/stacktrace"
	"github.com/grafana/ehrt/pkg/symtab"
	"github.com/grafana/ehrt/pkg/unwind"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	textBase = uint64(0x40_0000)
	dataBase = uint64(0x60_0000)

	typeA = uint64(0x60_8000)
	typeB = uint64(0x60_8010)
)

type payload struct {
	typeInfo uint64
	msg      string
}

func (p payload) TypeInfo() uint64 { return p.typeInfo }

func (p payload) Describe() string { return "main::Error(" + p.msg + ")" }

type fakeTerm struct {
	terminated []string
	uncaught   []string
	traces     []string
}

func (f *fakeTerm) Terminate(msg string, _ fatal.Origin) {
	f.terminated = append(f.terminated, msg)
	panic(fatal.ErrAborted)
}

func (f *fakeTerm) UncaughtException(desc string, o fatal.Origin, trace func() string) {
	f.uncaught = append(f.uncaught, fmt.Sprintf("%s @ %s", desc, o))
	if trace != nil {
		f.traces = append(f.traces, trace())
	}
	panic(fatal.ErrAborted)
}

type program struct {
	t   *testing.T
	rt  *Runtime
	mod *unwind.Module
}

func newProgram(t *testing.T, rt *Runtime) *program {
	return &program{t: t, rt: rt, mod: &unwind.Module{Name: "test", TextBase: textBase, DataBase: dataBase}}
}

// fn assembles a function at start. Pads are keyed by offset from start.
func (p *program) fn(name string, start uint64, b *lsda.Builder, pads map[uint64]unwind.LandingPad) *unwind.Function {
	f := &unwind.Function{
		Name:        name,
		Module:      p.mod,
		Start:       start,
		Size:        0x100,
		Personality: p.rt.Personality,
		Pads:        make(map[uint64]unwind.LandingPad),
	}
	for off, pad := range pads {
		f.Pads[start+off] = pad
	}
	if b != nil {
		addr := dataBase + uint64(len(p.mod.Data))
		blob, err := b.Build(addr, ehenc.Bases{Text: textBase, Data: dataBase, Func: start})
		require.NoError(p.t, err)
		p.mod.Data = append(p.mod.Data, blob...)
		f.LSDA = addr
	}
	return f
}

var origin = fatal.Origin{File: "main.yr", Function: "main::main", Line: 7}

func newRuntime(t *testing.T, opts Options) (*Runtime, *fakeTerm, *Metrics) {
	term := &fakeTerm{}
	metrics := NewMetrics(prometheus.NewRegistry())
	opts.Terminator = term
	opts.Metrics = metrics
	return New(opts), term, metrics
}

func TestThrowCatch(t *testing.T) {
	rt, _, metrics := newRuntime(t, Options{})
	p := newProgram(t, rt)
	th := unwind.NewThread(1)

	var caught any
	var selector int
	b := new(lsda.Builder)
	b.AddCallSite(0x10, 0x10, 0x80, b.TypeFilter(typeA))
	main := p.fn("main", 0x40_1000, b, map[uint64]unwind.LandingPad{
		0x80: func(f *unwind.Frame, regs unwind.Registers) {
			selector = regs.Selector
			caught = rt.CatchBegin(regs.Exception)
		},
	})
	thrower := p.fn("thrower", 0x40_2000, nil, nil)

	th.Call(main, func(f *unwind.Frame) {
		f.CallAt(0x14, thrower, func(f *unwind.Frame) {
			rt.Throw(th, origin, payload{typeInfo: typeA, msg: "a"})
		})
		t.Fatal("throw returned to its caller")
	})

	require.Equal(t, payload{typeInfo: typeA, msg: "a"}, caught)
	require.Equal(t, 1, selector)
	s, ok := rt.Registry().Lookup(1)
	require.True(t, ok)
	require.Zero(t, s.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Thrown))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Caught))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.LandingPads.WithLabelValues(padHandler)))

	rt.ThreadExit(1)
	require.Zero(t, rt.Registry().Len())
}

func TestActionChain(t *testing.T) {
	for _, tc := range []struct {
		name     string
		thrown   uint64
		expected []string
	}{
		{name: "matching", thrown: typeB, expected: []string{"worker selector 2"}},
		{name: "not matching", thrown: typeA, expected: []string{"worker selector 0", "main caught"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rt, _, metrics := newRuntime(t, Options{})
			p := newProgram(t, rt)
			th := unwind.NewThread(2)
			var order []string

			outer := new(lsda.Builder)
			outer.AddCallSite(0x10, 0x10, 0x80, outer.TypeFilter(0))
			main := p.fn("main", 0x40_1000, outer, map[uint64]unwind.LandingPad{
				0x80: func(f *unwind.Frame, regs unwind.Registers) {
					rt.CatchBegin(regs.Exception)
					order = append(order, "main caught")
				},
			})

			inner := new(lsda.Builder)
			inner.TypeFilter(typeA)
			inner.AddCallSite(0x10, 0x10, 0x60, inner.TypeFilter(typeB), 0)
			worker := p.fn("worker", 0x40_2000, inner, map[uint64]unwind.LandingPad{
				0x60: func(f *unwind.Frame, regs unwind.Registers) {
					order = append(order, fmt.Sprintf("worker selector %d", regs.Selector))
					if regs.Selector == 2 {
						rt.CatchBegin(regs.Exception)
						return
					}
					rt.Resume(regs.Exception)
				},
			})
			thrower := p.fn("thrower", 0x40_3000, nil, nil)

			th.Call(main, func(f *unwind.Frame) {
				f.CallAt(0x18, worker, func(f *unwind.Frame) {
					f.CallAt(0x1c, thrower, func(f *unwind.Frame) {
						rt.Throw(th, origin, payload{typeInfo: tc.thrown})
					})
				})
			})
			require.Equal(t, tc.expected, order)
			require.Equal(t, 1.0, testutil.ToFloat64(metrics.Caught))
		})
	}
}

func TestNestedExceptions(t *testing.T) {
	rt, _, _ := newRuntime(t, Options{})
	p := newProgram(t, rt)
	th := unwind.NewThread(3)
	var order []string

	mainB := new(lsda.Builder)
	mainB.AddCallSite(0x10, 0x10, 0x80, mainB.TypeFilter(typeA))
	main := p.fn("main", 0x40_1000, mainB, map[uint64]unwind.LandingPad{
		0x80: func(f *unwind.Frame, regs unwind.Registers) {
			s, _ := rt.Registry().Lookup(3)
			require.Equal(t, 1, s.Len())
			order = append(order, "caught "+rt.CatchBegin(regs.Exception).(payload).msg)
		},
	})

	catcherB := new(lsda.Builder)
	catcherB.AddCallSite(0x10, 0x10, 0x80, catcherB.TypeFilter(typeB))
	catcher := p.fn("catcher", 0x40_3000, catcherB, map[uint64]unwind.LandingPad{
		0x80: func(f *unwind.Frame, regs unwind.Registers) {
			s, _ := rt.Registry().Lookup(3)
			require.Equal(t, 2, s.Len())
			require.Equal(t, "B", s.Top().Payload.(payload).msg)
			order = append(order, "caught "+rt.CatchBegin(regs.Exception).(payload).msg)
			require.Equal(t, 1, s.Len())
			require.Equal(t, "A", s.Top().Payload.(payload).msg)
		},
	})
	thrower := p.fn("thrower", 0x40_4000, nil, nil)

	midB := new(lsda.Builder)
	midB.AddCallSite(0x10, 0x10, 0x40)
	mid := p.fn("mid", 0x40_2000, midB, map[uint64]unwind.LandingPad{
		0x40: func(f *unwind.Frame, regs unwind.Registers) {
			order = append(order, "cleanup")
			f.CallAt(0x50, catcher, func(f *unwind.Frame) {
				f.CallAt(0x14, thrower, func(*unwind.Frame) {
					rt.Throw(th, origin, payload{typeInfo: typeB, msg: "B"})
				})
			})
			rt.Resume(regs.Exception)
		},
	})

	th.Call(main, func(f *unwind.Frame) {
		f.CallAt(0x14, mid, func(f *unwind.Frame) {
			f.CallAt(0x14, thrower, func(*unwind.Frame) {
				rt.Throw(th, origin, payload{typeInfo: typeA, msg: "A"})
			})
		})
	})

	require.Equal(t, []string{"cleanup", "caught B", "caught A"}, order)
	s, _ := rt.Registry().Lookup(3)
	require.Zero(t, s.Len())
	require.Zero(t, th.Depth())
}

func TestUncaughtException(t *testing.T) {
	index := symtab.NewIndex(symtab.Options{})
	index.Register(symtab.Symbol{Kind: symtab.KindFunction, Start: 0x40_1000, Size: 0x100, Name: "main::main", Module: "test", File: "main.yr", Line: 5})
	rt, term, metrics := newRuntime(t, Options{
		CaptureTraces: true,
		Resolver:      stacktrace.NewResolver(stacktrace.Options{Index: index}),
	})
	p := newProgram(t, rt)
	th := unwind.NewThread(4)

	b := new(lsda.Builder)
	b.AddCallSite(0x10, 0x10, 0x80, b.TypeFilter(typeB))
	main := p.fn("main", 0x40_1000, b, map[uint64]unwind.LandingPad{
		0x80: func(*unwind.Frame, unwind.Registers) { t.Fatal("handler for another type ran") },
	})
	thrower := p.fn("thrower", 0x40_2000, nil, nil)

	require.PanicsWithError(t, fatal.ErrAborted.Error(), func() {
		th.Call(main, func(f *unwind.Frame) {
			f.CallAt(0x14, thrower, func(f *unwind.Frame) {
				f.At(0x8)
				rt.Throw(th, origin, payload{typeInfo: typeA, msg: "lost"})
			})
		})
	})
	require.Equal(t, []string{"main::Error(lost) @ main.yr/main::main:7"}, term.uncaught)
	require.Equal(t, []string{"╭  Stack trace :" +
		"\n╞═ bt ╕ #1" +
		"\n│     ╘═> 0x402008:??" +
		"\n╞═ bt ╕ #2 in function main::main" +
		"\n│     ╘═> main.yr:5" +
		"\n╰"}, term.traces)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Uncaught))
	require.Zero(t, th.Depth())
}

func TestCatchErrors(t *testing.T) {
	rt, term, _ := newRuntime(t, Options{})
	s := rt.Registry().GetOrCreate(5)
	h1 := s.CreateHeader(payload{msg: "1"}, origin)
	s.Push(h1)
	h2 := s.CreateHeader(payload{msg: "2"}, origin)
	s.Push(h2)

	require.PanicsWithError(t, fatal.ErrAborted.Error(), func() { rt.CatchBegin(&h1.Exception) })
	require.PanicsWithError(t, fatal.ErrAborted.Error(), func() { rt.CatchBegin(&unwind.Exception{Class: 1}) })
	require.Equal(t, []string{"catch error", "catch error"}, term.terminated)

	h2.Exception.Cleanup = rt.cleanup
	require.Equal(t, payload{msg: "2"}, rt.CatchBegin(&h2.Exception))
	require.Same(t, h1, s.Top())
}

func TestCleanupCallback(t *testing.T) {
	rt, term, _ := newRuntime(t, Options{})
	s := rt.Registry().GetOrCreate(6)
	h := s.CreateHeader(payload{msg: "x"}, origin)
	h.Exception.Cleanup = rt.cleanup
	unwind.DeleteException(&h.Exception)
	require.Empty(t, term.terminated)
	require.Nil(t, h.Payload)

	// the freed spare slot is handed out again
	again := s.CreateHeader(payload{msg: "y"}, origin)
	require.Same(t, h, again)
}

func TestPersonalityErrors(t *testing.T) {
	rt, term, _ := newRuntime(t, Options{})
	p := newProgram(t, rt)
	th := unwind.NewThread(7)
	s := rt.Registry().GetOrCreate(7)
	h := s.CreateHeader(payload{}, origin)

	th.Call(p.fn("f", 0x40_1000, nil, nil), func(f *unwind.Frame) {
		require.Equal(t, unwind.FatalPhase1Error, rt.Personality(2, unwind.SearchPhase, Class, &h.Exception, f))
		require.Equal(t, unwind.ContinueUnwind, rt.Personality(1, unwind.SearchPhase, Class, &h.Exception, f))
		require.PanicsWithError(t, fatal.ErrAborted.Error(), func() {
			rt.Personality(1, unwind.CleanupPhase|unwind.HandlerFrame, Class, &h.Exception, f)
		})
	})
	require.Equal(t, []string{"unwind error"}, term.terminated)

	// a call-site table that ends in the middle of an entry
	p.mod.Data = append(p.mod.Data, byte(ehenc.Omit), byte(ehenc.Omit), byte(ehenc.Uleb128), 8, 0x10)
	broken := p.fn("broken", 0x40_2000, nil, nil)
	broken.LSDA = dataBase + uint64(len(p.mod.Data)) - 5
	th.Call(broken, func(f *unwind.Frame) {
		f.At(0x11)
		require.PanicsWithError(t, fatal.ErrAborted.Error(), func() {
			rt.Personality(1, unwind.SearchPhase, Class, &h.Exception, f)
		})
	})
	require.Len(t, term.terminated, 2)
	require.Contains(t, term.terminated[1], "reading encoded value")
}

func TestForeignException(t *testing.T) {
	rt, _, _ := newRuntime(t, Options{})
	p := newProgram(t, rt)
	th := unwind.NewThread(8)
	exc := &unwind.Exception{Class: 0x1234}
	var got *unwind.Exception

	b := new(lsda.Builder)
	b.AddCallSite(0x10, 0x10, 0x80, b.TypeFilter(typeA), b.TypeFilter(0))
	main := p.fn("main", 0x40_1000, b, map[uint64]unwind.LandingPad{
		0x80: func(f *unwind.Frame, regs unwind.Registers) {
			got = regs.Exception
			require.Equal(t, 2, regs.Selector)
		},
	})
	th.Call(main, func(f *unwind.Frame) {
		f.At(0x14)
		unwind.RaiseException(th, exc)
		t.Fatal("foreign exception was not caught")
	})
	require.Same(t, exc, got)
	_, ok := rt.Registry().Lookup(8)
	require.False(t, ok)
}

func TestThreadStackSpareSlot(t *testing.T) {
	s := &ThreadStack{ID: 1}
	h1 := s.CreateHeader("a", origin)
	require.Same(t, &s.spare, h1)
	h2 := s.CreateHeader("b", origin)
	require.NotSame(t, h1, h2)
	s.FreeHeader(h1)
	h3 := s.CreateHeader("c", origin)
	require.Same(t, &s.spare, h3)
	require.Equal(t, "c", h3.Payload)

	got, ok := HeaderOf(&h3.Exception)
	require.True(t, ok)
	require.Same(t, h3, got)
	_, ok = HeaderOf(&unwind.Exception{})
	require.False(t, ok)
	_, ok = HeaderOf(nil)
	require.False(t, ok)
}

func TestThreadStackLIFO(t *testing.T) {
	s := &ThreadStack{ID: 1}
	require.Nil(t, s.Pop())
	for i := 0; i < 5; i++ {
		s.Push(s.CreateHeader(i, origin))
	}
	require.Equal(t, 5, s.Len())
	for i := 4; i >= 0; i-- {
		require.Equal(t, i, s.Top().Payload)
		require.Equal(t, i, s.Pop().Payload)
	}
	require.Zero(t, s.Len())
	require.Nil(t, s.Top())
}

func TestRegistryConcurrency(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(nil, metrics)
	const threads = 32

	var wg sync.WaitGroup
	for id := uint64(0); id < threads; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := r.GetOrCreate(id)
			require.Same(t, s, r.GetOrCreate(id))
			for i := 0; i < 100; i++ {
				s.Push(s.CreateHeader(i, origin))
				if i%2 == 0 {
					s.FreeHeader(s.Pop())
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, threads, r.Len())
	require.Equal(t, float64(threads), testutil.ToFloat64(metrics.Threads))

	for id := uint64(0); id < threads; id++ {
		s, ok := r.Lookup(id)
		require.True(t, ok)
		require.Equal(t, 50, r.RemoveStack(s))
		require.Zero(t, r.RemoveStack(s))
	}
	require.Zero(t, r.Len())
	require.Zero(t, testutil.ToFloat64(metrics.Threads))
}

func TestDescribe(t *testing.T) {
	require.Equal(t, "main::Error(x)", DefaultDescribe(payload{msg: "x"}))
	require.Equal(t, "*errors.errorString: boom", DefaultDescribe(fmt.Errorf("boom")))
	require.Equal(t, "int: 3", DefaultDescribe(3))

	require.True(t, MatchExact(1, 0, nil))
	require.True(t, MatchExact(1, typeA, payload{typeInfo: typeA}))
	require.False(t, MatchExact(1, typeA, payload{typeInfo: typeB}))
	require.False(t, MatchExact(1, typeA, "untyped"))
}
