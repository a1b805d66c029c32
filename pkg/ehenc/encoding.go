// Package ehenc decodes the pointer encodings used by exception handling
// tables (DW_EH_PE_*).
//
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
package ehenc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PtrSize is the width of an absolute pointer on the supported targets.
const PtrSize = 8

// VariableSize is returned by SizeOf for the LEB128 formats.
const VariableSize = -1

type Encoding uint8

const (
	Absptr  Encoding = 0x00
	Uleb128 Encoding = 0x01
	Udata2  Encoding = 0x02
	Udata4  Encoding = 0x03
	Udata8  Encoding = 0x04
	Sleb128 Encoding = 0x09
	Sdata2  Encoding = 0x0a
	Sdata4  Encoding = 0x0b
	Sdata8  Encoding = 0x0c
	Signed  Encoding = 0x08

	PCRel   Encoding = 0x10
	TextRel Encoding = 0x20
	DataRel Encoding = 0x30
	FuncRel Encoding = 0x40
	Aligned Encoding = 0x50

	Indirect Encoding = 0x80
	Omit     Encoding = 0xff

	formatMask Encoding = 0x0f
	adjustMask Encoding = 0x70
)

var (
	ErrUnsupportedEncoding = errors.New("unsupported pointer encoding")
	ErrTruncated           = errors.New("truncated encoded data")
)

func (e Encoding) Format() Encoding { return e & formatMask }

func (e Encoding) Adjust() Encoding { return e & adjustMask }

func (e Encoding) IsIndirect() bool { return e != Omit && e&Indirect != 0 }

func (e Encoding) String() string {
	if e == Omit {
		return "omit"
	}
	var format string
	switch e.Format() {
	case Absptr:
		format = "absptr"
	case Uleb128:
		format = "uleb128"
	case Udata2:
		format = "udata2"
	case Udata4:
		format = "udata4"
	case Udata8:
		format = "udata8"
	case Sleb128:
		format = "sleb128"
	case Sdata2:
		format = "sdata2"
	case Sdata4:
		format = "sdata4"
	case Sdata8:
		format = "sdata8"
	default:
		format = fmt.Sprintf("format(%#x)", uint8(e.Format()))
	}
	switch e.Adjust() {
	case PCRel:
		format += "|pcrel"
	case TextRel:
		format += "|textrel"
	case DataRel:
		format += "|datarel"
	case FuncRel:
		format += "|funcrel"
	case Aligned:
		format += "|aligned"
	}
	if e.IsIndirect() {
		format += "|indirect"
	}
	return format
}

// Bases carries the relocation bases a frame provides for relative encodings.
type Bases struct {
	Text uint64
	Data uint64
	Func uint64
}

// Memory gives read access to the address space the encoded data lives in.
type Memory interface {
	// Slice returns the bytes from addr to the end of the region containing it.
	Slice(addr uint64) ([]byte, error)
}

// SizeOf returns the byte width of a value with the given encoding. The
// LEB128 formats have no fixed width and report VariableSize.
func SizeOf(enc Encoding) (int, error) {
	if enc == Omit {
		return 0, nil
	}
	switch enc.Format() {
	case Absptr:
		return PtrSize, nil
	case Udata2, Sdata2:
		return 2, nil
	case Udata4, Sdata4:
		return 4, nil
	case Udata8, Sdata8:
		return 8, nil
	case Uleb128, Sleb128:
		return VariableSize, nil
	}
	return 0, fmt.Errorf("size of %#02x: %w", uint8(enc), ErrUnsupportedEncoding)
}

// BaseOf selects the base address added to values with the given encoding.
// PC-relative values are adjusted against their own address by the reader.
func BaseOf(enc Encoding, bases Bases) (uint64, error) {
	if enc == Omit {
		return 0, nil
	}
	switch enc.Adjust() {
	case Absptr, PCRel, Aligned:
		return 0, nil
	case TextRel:
		return bases.Text, nil
	case DataRel:
		return bases.Data, nil
	case FuncRel:
		return bases.Func, nil
	}
	return 0, fmt.Errorf("base of %#02x: %w", uint8(enc), ErrUnsupportedEncoding)
}

// ReadPointer performs one pointer-sized little endian load.
func ReadPointer(mem Memory, addr uint64) (uint64, error) {
	if mem == nil {
		return 0, fmt.Errorf("indirect load at %#x: no memory", addr)
	}
	b, err := mem.Slice(addr)
	if err != nil {
		return 0, fmt.Errorf("indirect load at %#x: %w", addr, err)
	}
	if len(b) < PtrSize {
		return 0, fmt.Errorf("indirect load at %#x: %w", addr, ErrTruncated)
	}
	return binary.LittleEndian.Uint64(b), nil
}
