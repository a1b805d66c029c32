// Package lsda reads the language specific data area attached to a function:
// its call-site table, action table and type table.
//
// Layout:
//
//	u8        landing pad base encoding
//	encoded   landing pad base        (absent when omitted)
//	u8        type table encoding
//	uleb128   type table offset       (absent when omitted)
//	u8        call-site encoding
//	uleb128   call-site table length
//	[]        call-site entries {start, length, landing pad, uleb128 action}
//	[]        action records {sleb128 filter, sleb128 displacement}
//	[]        type table, indexed backwards from its end
package lsda

import (
	"errors"
	"fmt"

	"github.com/grafana/ehrt/pkg/ehenc"
)

var ErrNoTypeTable = errors.New("lsda has no type table")

// MatchFunc reports whether the thrown payload is caught by the type table
// entry typeInfo referenced by a positive action filter.
type MatchFunc func(filter int, typeInfo uint64, payload any) bool

type Header struct {
	Addr             uint64
	LPStartEncoding  ehenc.Encoding
	LPStart          uint64
	TTypeEncoding    ehenc.Encoding
	TTypeBase        uint64
	TType            uint64 // address just past the type table, 0 when omitted
	CallSiteEncoding ehenc.Encoding
	CallSiteTable    uint64
	ActionTable      uint64
}

type CallSite struct {
	Start      uint64
	Length     uint64
	LandingPad uint64
	Action     uint64
}

// Contains reports whether the function-relative offset off is covered.
func (cs CallSite) Contains(off uint64) bool {
	return cs.Start <= off && off < cs.Start+cs.Length
}

type ActionRecord struct {
	Addr         uint64
	Filter       int64
	Displacement int64
}

type Table struct {
	Header

	mem   ehenc.Memory
	bases ehenc.Bases
}

// Parse reads the LSDA header at addr. bases.Func must be the start of the
// function owning the LSDA.
func Parse(mem ehenc.Memory, addr uint64, bases ehenc.Bases) (*Table, error) {
	c, err := ehenc.CursorAt(mem, addr)
	if err != nil {
		return nil, fmt.Errorf("lsda at %#x: %w", addr, err)
	}
	t := &Table{mem: mem, bases: bases}
	t.Addr = addr

	enc, c, err := c.U8()
	if err != nil {
		return nil, fmt.Errorf("lsda landing pad encoding: %w", err)
	}
	t.LPStartEncoding = ehenc.Encoding(enc)
	if t.LPStartEncoding != ehenc.Omit {
		base, err := ehenc.BaseOf(t.LPStartEncoding, bases)
		if err != nil {
			return nil, err
		}
		if t.LPStart, c, err = c.Encoded(t.LPStartEncoding, base, mem); err != nil {
			return nil, fmt.Errorf("lsda landing pad base: %w", err)
		}
	} else {
		t.LPStart = bases.Func
	}

	if enc, c, err = c.U8(); err != nil {
		return nil, fmt.Errorf("lsda type table encoding: %w", err)
	}
	t.TTypeEncoding = ehenc.Encoding(enc)
	if t.TTypeEncoding != ehenc.Omit {
		var off uint64
		if off, c, err = c.ULEB128(); err != nil {
			return nil, fmt.Errorf("lsda type table offset: %w", err)
		}
		t.TType = c.Addr() + off
	}
	if t.TTypeBase, err = ehenc.BaseOf(t.TTypeEncoding, bases); err != nil {
		return nil, err
	}

	if enc, c, err = c.U8(); err != nil {
		return nil, fmt.Errorf("lsda call-site encoding: %w", err)
	}
	t.CallSiteEncoding = ehenc.Encoding(enc)
	var length uint64
	if length, c, err = c.ULEB128(); err != nil {
		return nil, fmt.Errorf("lsda call-site table length: %w", err)
	}
	t.CallSiteTable = c.Addr()
	t.ActionTable = t.CallSiteTable + length
	return t, nil
}

func (t *Table) cursor(addr uint64) (ehenc.Cursor, error) {
	return ehenc.CursorAt(t.mem, addr)
}

func (t *Table) readCallSite(c ehenc.Cursor) (CallSite, ehenc.Cursor, error) {
	var (
		cs  CallSite
		err error
	)
	// call-site fields are function relative and never take a frame base
	if cs.Start, c, err = c.Encoded(t.CallSiteEncoding, 0, t.mem); err != nil {
		return cs, c, err
	}
	if cs.Length, c, err = c.Encoded(t.CallSiteEncoding, 0, t.mem); err != nil {
		return cs, c, err
	}
	if cs.LandingPad, c, err = c.Encoded(t.CallSiteEncoding, 0, t.mem); err != nil {
		return cs, c, err
	}
	cs.Action, c, err = c.ULEB128()
	return cs, c, err
}

// CallSites decodes the whole call-site table.
func (t *Table) CallSites() ([]CallSite, error) {
	c, err := t.cursor(t.CallSiteTable)
	if err != nil {
		return nil, err
	}
	var res []CallSite
	for c.Addr() < t.ActionTable {
		var cs CallSite
		if cs, c, err = t.readCallSite(c); err != nil {
			return nil, fmt.Errorf("call-site %d: %w", len(res), err)
		}
		res = append(res, cs)
	}
	return res, nil
}

// FindCallSite returns the entry covering ip, an absolute instruction
// address. Entries are sorted, so the scan stops at the first entry starting
// past ip.
func (t *Table) FindCallSite(ip uint64) (CallSite, bool, error) {
	c, err := t.cursor(t.CallSiteTable)
	if err != nil {
		return CallSite{}, false, err
	}
	start := t.bases.Func
	for c.Addr() < t.ActionTable {
		var cs CallSite
		if cs, c, err = t.readCallSite(c); err != nil {
			return CallSite{}, false, err
		}
		if ip < start+cs.Start {
			break
		}
		if ip < start+cs.Start+cs.Length {
			return cs, true, nil
		}
	}
	return CallSite{}, false, nil
}

// LandingPadAddr converts a call-site landing pad offset to an address.
func (t *Table) LandingPadAddr(cs CallSite) uint64 {
	if cs.LandingPad == 0 {
		return 0
	}
	return t.LPStart + cs.LandingPad
}

// Actions walks the action chain of cs.
func (t *Table) Actions(cs CallSite) ([]ActionRecord, error) {
	if cs.Action == 0 {
		return nil, nil
	}
	var res []ActionRecord
	err := t.walkActions(t.ActionTable+cs.Action-1, func(r ActionRecord) bool {
		res = append(res, r)
		return true
	})
	return res, err
}

func (t *Table) walkActions(addr uint64, visit func(ActionRecord) bool) error {
	for i := 0; ; i++ {
		c, err := t.cursor(addr)
		if err != nil {
			return fmt.Errorf("action record %d: %w", i, err)
		}
		var r ActionRecord
		r.Addr = addr
		if r.Filter, c, err = c.SLEB128(); err != nil {
			return fmt.Errorf("action record %d filter: %w", i, err)
		}
		next := c.Addr()
		if r.Displacement, _, err = c.SLEB128(); err != nil {
			return fmt.Errorf("action record %d displacement: %w", i, err)
		}
		if !visit(r) || r.Displacement == 0 {
			return nil
		}
		addr = uint64(int64(next) + r.Displacement)
	}
}

// TypeInfo reads the type table entry referenced by a positive filter.
func (t *Table) TypeInfo(filter int64) (uint64, error) {
	if t.TType == 0 {
		return 0, ErrNoTypeTable
	}
	size, err := ehenc.SizeOf(t.TTypeEncoding)
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, fmt.Errorf("type table entries with %s: %w", t.TTypeEncoding, ehenc.ErrUnsupportedEncoding)
	}
	c, err := t.cursor(t.TType - uint64(filter)*uint64(size))
	if err != nil {
		return 0, fmt.Errorf("type table entry %d: %w", filter, err)
	}
	v, _, err := c.Encoded(t.TTypeEncoding, t.TTypeBase, t.mem)
	return v, err
}
