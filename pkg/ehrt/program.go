package ehrt

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/grafana/ehrt/pkg/ehenc"
	"github.com/grafana/ehrt/pkg/lsda"
	"github.com/grafana/ehrt/pkg/symtab"
	"github.com/grafana/ehrt/pkg/unwind"
)

const (
	// ProgramSpan is the size of the text and of the data region reserved
	// for one program.
	ProgramSpan   = 16 << 20
	functionAlign = 16
	vtableSize    = 16

	// CatchAll as a catch clause handles every exception.
	CatchAll = "..."
)

// Program is a module of compiled code assembled at run time: functions
// with their exception tables, and class descriptors. Functions and classes
// are registered in the runtime's symbol index.
type Program struct {
	rt     *Runtime
	module *unwind.Module

	text    uint64
	classes map[string]uint64
}

// CallSite describes a call-site table entry. Catch lists class names, or
// CatchAll, tried in order. Cleanup adds a cleanup action after them. A Pad
// without catches or cleanup is a bare cleanup.
type CallSite struct {
	Start, Length uint64
	Pad           uint64
	Catch         []string
	Cleanup       bool
}

type FunctionSpec struct {
	Name string
	File string
	Line int
	Size uint64
	// TTypeEncoding encodes the type table, absolute pointers by default.
	TTypeEncoding ehenc.Encoding
	CallSites     []CallSite
	// Pads are keyed by offset from the function start.
	Pads map[uint64]unwind.LandingPad
}

// NewProgram reserves [textBase, textBase+ProgramSpan) for code and
// [dataBase, dataBase+ProgramSpan) for exception tables and classes.
func (r *Runtime) NewProgram(name string, textBase, dataBase uint64) (*Program, error) {
	if err := r.index.AddModule(symtab.Module{Name: name, Start: textBase, End: textBase + ProgramSpan}); err != nil {
		return nil, err
	}
	return &Program{
		rt:      r,
		module:  &unwind.Module{Name: name, TextBase: textBase, DataBase: dataBase},
		text:    textBase,
		classes: make(map[string]uint64),
	}, nil
}

func (p *Program) Module() *unwind.Module { return p.module }

// Class returns the type descriptor of the named class, allocating its
// vtable on first use.
func (p *Program) Class(name string) uint64 {
	if addr, ok := p.classes[name]; ok {
		return addr
	}
	addr := p.alloc(make([]byte, vtableSize))
	p.classes[name] = addr
	p.rt.index.Register(symtab.Symbol{
		Kind:   symtab.KindVTable,
		Start:  addr,
		Size:   vtableSize,
		Name:   "vtable for " + name,
		Module: p.module.Name,
	})
	return addr
}

// Function lays out a function after the previous one and returns it.
func (p *Program) Function(spec FunctionSpec) (*unwind.Function, error) {
	if spec.Size == 0 {
		return nil, errors.Errorf("function %s: zero size", spec.Name)
	}
	start := p.text
	if start+spec.Size > p.module.TextBase+ProgramSpan {
		return nil, errors.Errorf("function %s: program text is full", spec.Name)
	}
	fn := &unwind.Function{
		Name:        spec.Name,
		Module:      p.module,
		Start:       start,
		Size:        spec.Size,
		Personality: p.rt.Personality(),
		Pads:        make(map[uint64]unwind.LandingPad, len(spec.Pads)),
	}
	for off, pad := range spec.Pads {
		if off >= spec.Size {
			return nil, errors.Errorf("function %s: landing pad at %#x is outside the function", spec.Name, off)
		}
		fn.Pads[start+off] = pad
	}

	if len(spec.CallSites) > 0 {
		sites := append([]CallSite(nil), spec.CallSites...)
		sort.Slice(sites, func(i, j int) bool { return sites[i].Start < sites[j].Start })
		b := &lsda.Builder{TTypeEncoding: spec.TTypeEncoding}
		for _, cs := range sites {
			if cs.Pad != 0 && fn.Pads[start+cs.Pad] == nil {
				return nil, errors.Errorf("function %s: no landing pad at %#x", spec.Name, cs.Pad)
			}
			var filters []int64
			for _, class := range cs.Catch {
				typeInfo := uint64(0)
				if class != CatchAll {
					typeInfo = p.Class(class)
				}
				filters = append(filters, b.TypeFilter(typeInfo))
			}
			if cs.Cleanup {
				filters = append(filters, 0)
			}
			b.AddCallSite(cs.Start, cs.Length, cs.Pad, filters...)
		}
		addr := p.module.DataBase + uint64(len(p.module.Data))
		blob, err := b.Build(addr, ehenc.Bases{Text: p.module.TextBase, Data: p.module.DataBase, Func: start})
		if err != nil {
			return nil, errors.Wrapf(err, "function %s: exception table", spec.Name)
		}
		fn.LSDA = p.alloc(blob)
	}

	p.text = start + (spec.Size+functionAlign-1)/functionAlign*functionAlign
	p.rt.index.Register(symtab.Symbol{
		Kind:   symtab.KindFunction,
		Start:  start,
		Size:   spec.Size,
		Name:   spec.Name,
		Module: p.module.Name,
		File:   spec.File,
		Line:   spec.Line,
	})
	return fn, nil
}

func (p *Program) alloc(b []byte) uint64 {
	addr := p.module.DataBase + uint64(len(p.module.Data))
	p.module.Data = append(p.module.Data, b...)
	return addr
}

// Object is a thrown class instance.
type Object struct {
	typeInfo uint64
	Message  string
}

// New creates an instance of the named class.
func (p *Program) New(class, msg string) *Object {
	return &Object{typeInfo: p.Class(class), Message: msg}
}

func (o *Object) TypeInfo() uint64 { return o.typeInfo }

func (o *Object) Error() string { return o.Message }

func (o *Object) String() string { return fmt.Sprintf("object@%#x(%s)", o.typeInfo, o.Message) }
