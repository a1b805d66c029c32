package unwind

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/grafana/ehrt/pkg/ehenc"
)

const frameSize = 0x40

// cfaTop hands out canonical frame addresses. Frames created later get lower
// addresses, like a downward growing machine stack.
var cfaTop = atomic.NewUint64(0x7fff_0000_0000)

// Module is a unit of compiled code: its text and data bases and the data
// bytes holding LSDAs and type tables, mapped at DataBase.
type Module struct {
	Name     string
	TextBase uint64
	DataBase uint64
	Data     []byte
}

func (m *Module) Slice(addr uint64) ([]byte, error) {
	return ehenc.Region{Addr: m.DataBase, Data: m.Data}.Slice(addr)
}

// LandingPad is the code run when control is transferred to a pad. For a
// handler it runs the catch clause and returns, ending the frame. A cleanup
// pad ends by calling Resume.
type LandingPad func(f *Frame, regs Registers)

type Function struct {
	Name        string
	Module      *Module
	Start       uint64
	Size        uint64
	LSDA        uint64
	Personality Personality
	// Pads are keyed by absolute address.
	Pads map[uint64]LandingPad
}

// Thread is a language thread: an explicit call stack of frames driven by
// one goroutine.
type Thread struct {
	ID     uint64
	frames []*Frame
}

func NewThread(id uint64) *Thread {
	return &Thread{ID: id}
}

func (t *Thread) Depth() int { return len(t.frames) }

// Top returns the innermost frame, nil when the thread runs no function.
func (t *Thread) Top() *Frame {
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

// Callers fills pcs with the instruction pointers of the frames, innermost
// first, and returns the number of entries written.
func (t *Thread) Callers(pcs []uint64) int {
	n := 0
	for i := len(t.frames) - 1; i >= 0 && n < len(pcs); i-- {
		pcs[n] = t.frames[i].ip
		n++
	}
	return n
}

func (t *Thread) index(f *Frame) int {
	for i := len(t.frames) - 1; i >= 0; i-- {
		if t.frames[i] == f {
			return i
		}
	}
	return -1
}

// Call runs body as the code of fn in a new frame on top of t. Landing pads
// installed into this frame run in place of the rest of body; Call returns
// once the body or the last pad returns.
func (t *Thread) Call(fn *Function, body func(*Frame)) {
	f := &Frame{
		thread:     t,
		fn:         fn,
		cfa:        cfaTop.Sub(frameSize),
		ip:         fn.Start,
		beforeInsn: true,
	}
	t.frames = append(t.frames, f)
	defer t.pop(f)

	next := body
	for next != nil {
		next = f.exec(next)
	}
}

func (t *Thread) pop(f *Frame) {
	if i := t.index(f); i >= 0 {
		for j := i; j < len(t.frames); j++ {
			t.frames[j] = nil
		}
		t.frames = t.frames[:i]
	}
}

// exec runs code and returns the landing pad installed into f while it ran,
// if any. Transfers aimed at other frames keep propagating.
func (f *Frame) exec(code func(*Frame)) (next func(*Frame)) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		in, ok := r.(*install)
		if !ok || in.cfa != f.cfa {
			panic(r)
		}
		pad := f.fn.Pads[in.ip]
		if pad == nil {
			panic(fmt.Errorf("unwind: no landing pad at %#x in %s", in.ip, f.fn.Name))
		}
		f.ip, f.beforeInsn = in.ip, true
		if in.exc != nil {
			in.exc.padFrame = f
		}
		regs := in.regs
		next = func(f *Frame) { pad(f, regs) }
	}()
	code(f)
	return nil
}

// Frame is one activation of a Function. It is the Context handed to the
// function's personality.
type Frame struct {
	thread     *Thread
	fn         *Function
	cfa        uint64
	ip         uint64
	beforeInsn bool

	target install
}

func (f *Frame) Function() *Function { return f.fn }

func (f *Frame) Thread() *Thread { return f.thread }

// At moves the frame to the return address of a call made at offset bytes
// from the function start, typically right before throwing.
func (f *Frame) At(offset uint64) *Frame {
	f.ip, f.beforeInsn = f.fn.Start+offset, false
	return f
}

// CallAt calls fn from this frame with the return address at offset.
func (f *Frame) CallAt(offset uint64, fn *Function, body func(*Frame)) {
	f.At(offset)
	f.thread.Call(fn, body)
}

func (f *Frame) IP() (uint64, bool) { return f.ip, f.beforeInsn }

func (f *Frame) CFA() uint64 { return f.cfa }

func (f *Frame) RegionStart() uint64 { return f.fn.Start }

func (f *Frame) TextRelBase() uint64 {
	if f.fn.Module == nil {
		return 0
	}
	return f.fn.Module.TextBase
}

func (f *Frame) DataRelBase() uint64 {
	if f.fn.Module == nil {
		return 0
	}
	return f.fn.Module.DataBase
}

func (f *Frame) LanguageSpecificData() uint64 { return f.fn.LSDA }

func (f *Frame) Memory() ehenc.Memory {
	if f.fn.Module == nil {
		return nil
	}
	return f.fn.Module
}

func (f *Frame) SetIP(ip uint64) { f.target.ip = ip }

func (f *Frame) SetExceptionPointer(exc *Exception) { f.target.regs.Exception = exc }

func (f *Frame) SetSelector(selector int) { f.target.regs.Selector = selector }
