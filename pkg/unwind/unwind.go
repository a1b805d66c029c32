// Package unwind is a generic two-phase unwinder over language threads.
//
// Phase 1 walks the frames of a thread from the innermost outwards asking each
// frame's personality whether it handles the exception. Phase 2 walks again
// and lets personalities install landing pads: cleanups along the way and
// finally the handler found in phase 1. Installing a landing pad transfers
// control to the frame that owns it; frames above it are discarded.
package unwind

import (
	"fmt"

	"github.com/grafana/ehrt/pkg/ehenc"
)

// Action is the set of flags passed to a personality.
type Action int

const (
	SearchPhase  Action = 1
	CleanupPhase Action = 2
	HandlerFrame Action = 4
	ForceUnwind  Action = 8
)

func (a Action) String() string {
	s := ""
	add := func(flag Action, name string) {
		if a&flag == 0 {
			return
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	add(SearchPhase, "search")
	add(CleanupPhase, "cleanup")
	add(HandlerFrame, "handler_frame")
	add(ForceUnwind, "force_unwind")
	if s == "" {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return s
}

// Reason is the result code of personalities and of the unwinder itself.
type Reason int

const (
	NoReason Reason = iota
	ForeignExceptionCaught
	FatalPhase2Error
	FatalPhase1Error
	NormalStop
	EndOfStack
	HandlerFound
	InstallContext
	ContinueUnwind
)

var reasonNames = [...]string{
	NoReason:               "no_reason",
	ForeignExceptionCaught: "foreign_exception_caught",
	FatalPhase2Error:       "fatal_phase2_error",
	FatalPhase1Error:       "fatal_phase1_error",
	NormalStop:             "normal_stop",
	EndOfStack:             "end_of_stack",
	HandlerFound:           "handler_found",
	InstallContext:         "install_context",
	ContinueUnwind:         "continue_unwind",
}

func (r Reason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Exception is the language independent part of an in-flight exception.
// Language runtimes embed it and point Owner back at their own header.
type Exception struct {
	Class uint64
	// Cleanup is called by DeleteException.
	Cleanup func(Reason, *Exception)
	Owner   any

	handlerCFA uint64
	thread     *Thread
	padFrame   *Frame
}

// HandlerCFA is the CFA of the frame that reported HandlerFound in phase 1,
// zero before that.
func (e *Exception) HandlerCFA() uint64 { return e.handlerCFA }

// DeleteException releases exc through its cleanup callback.
func DeleteException(exc *Exception) {
	if exc == nil || exc.Cleanup == nil {
		return
	}
	exc.Cleanup(ForeignExceptionCaught, exc)
}

// Registers are the values handed to a landing pad.
type Registers struct {
	Exception *Exception
	Selector  int
}

// Context is the view of one frame a personality works with.
type Context interface {
	// IP returns the frame's instruction pointer. beforeInsn is false when ip
	// is a return address, i.e. one past the call instruction.
	IP() (ip uint64, beforeInsn bool)
	CFA() uint64
	RegionStart() uint64
	TextRelBase() uint64
	DataRelBase() uint64
	LanguageSpecificData() uint64
	Memory() ehenc.Memory

	SetIP(ip uint64)
	SetExceptionPointer(exc *Exception)
	SetSelector(selector int)
}

type Personality func(version int, actions Action, class uint64, exc *Exception, ctx Context) Reason

// Bases returns the relocation bases of ctx.
func Bases(ctx Context) ehenc.Bases {
	return ehenc.Bases{
		Text: ctx.TextRelBase(),
		Data: ctx.DataRelBase(),
		Func: ctx.RegionStart(),
	}
}

// install carries a landing pad transfer to the frame owning the pad.
type install struct {
	cfa  uint64
	ip   uint64
	regs Registers
	exc  *Exception
}

func (in *install) String() string {
	return fmt.Sprintf("unwind: install landing pad %#x in frame %#x", in.ip, in.cfa)
}

// RaiseException starts a two-phase unwind of t for exc. It only returns
// when no landing pad was installed: EndOfStack when no frame handles the
// exception, a fatal reason when unwinding itself failed.
func RaiseException(t *Thread, exc *Exception) Reason {
	exc.thread = t
	exc.handlerCFA = 0
	exc.padFrame = nil

	found := false
	for i := len(t.frames) - 1; i >= 0 && !found; i-- {
		f := t.frames[i]
		if f.fn.Personality == nil {
			continue
		}
		switch r := f.fn.Personality(1, SearchPhase, exc.Class, exc, f); r {
		case HandlerFound:
			exc.handlerCFA = f.cfa
			found = true
		case ContinueUnwind:
		default:
			return FatalPhase1Error
		}
	}
	if !found {
		return EndOfStack
	}
	return phase2(t, exc, len(t.frames)-1)
}

// Resume continues phase 2 after a cleanup landing pad, starting at the
// caller of the frame that ran the pad.
func Resume(exc *Exception) Reason {
	t, f := exc.thread, exc.padFrame
	if t == nil || f == nil {
		return FatalPhase2Error
	}
	i := t.index(f)
	if i < 0 {
		return FatalPhase2Error
	}
	return phase2(t, exc, i-1)
}

func phase2(t *Thread, exc *Exception, from int) Reason {
	for i := from; i >= 0; i-- {
		f := t.frames[i]
		handler := exc.handlerCFA != 0 && f.cfa == exc.handlerCFA
		if f.fn.Personality == nil {
			if handler {
				return FatalPhase2Error
			}
			continue
		}
		actions := CleanupPhase
		if handler {
			actions |= HandlerFrame
		}
		f.target = install{cfa: f.cfa}
		switch r := f.fn.Personality(1, actions, exc.Class, exc, f); r {
		case ContinueUnwind:
			if handler {
				return FatalPhase2Error
			}
		case InstallContext:
			if _, ok := f.fn.Pads[f.target.ip]; !ok {
				return FatalPhase2Error
			}
			in := f.target
			in.exc = exc
			panic(&in)
		default:
			return FatalPhase2Error
		}
	}
	return FatalPhase2Error
}
