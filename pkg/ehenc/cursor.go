package ehenc

import (
	"encoding/binary"
	"fmt"
)

// Cursor is a read position over an immutable byte slice mapped at Addr.
// Reads never modify the receiver; they return the advanced cursor.
type Cursor struct {
	data []byte
	base uint64
	pos  int
}

func NewCursor(data []byte, addr uint64) Cursor {
	return Cursor{data: data, base: addr}
}

// CursorAt positions a cursor at addr inside mem.
func CursorAt(mem Memory, addr uint64) (Cursor, error) {
	b, err := mem.Slice(addr)
	if err != nil {
		return Cursor{}, err
	}
	return NewCursor(b, addr), nil
}

// Addr is the address of the next byte to be read.
func (c Cursor) Addr() uint64 { return c.base + uint64(c.pos) }

func (c Cursor) Offset() int { return c.pos }

func (c Cursor) Len() int { return len(c.data) - c.pos }

// Seek returns a cursor over the same data positioned at addr.
func (c Cursor) Seek(addr uint64) (Cursor, error) {
	if addr < c.base || addr > c.base+uint64(len(c.data)) {
		return c, fmt.Errorf("seek to %#x outside [%#x, %#x): %w", addr, c.base, c.base+uint64(len(c.data)), ErrTruncated)
	}
	c.pos = int(addr - c.base)
	return c, nil
}

func (c Cursor) Skip(n int) (Cursor, error) {
	if n < 0 || n > c.Len() {
		return c, ErrTruncated
	}
	c.pos += n
	return c, nil
}

func (c Cursor) take(n int) ([]byte, Cursor, error) {
	if n > c.Len() {
		return nil, c, fmt.Errorf("read %d bytes at %#x: %w", n, c.Addr(), ErrTruncated)
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, c, nil
}

func (c Cursor) U8() (uint8, Cursor, error) {
	b, c, err := c.take(1)
	if err != nil {
		return 0, c, err
	}
	return b[0], c, nil
}

func (c Cursor) U16() (uint16, Cursor, error) {
	b, c, err := c.take(2)
	if err != nil {
		return 0, c, err
	}
	return binary.LittleEndian.Uint16(b), c, nil
}

func (c Cursor) U32() (uint32, Cursor, error) {
	b, c, err := c.take(4)
	if err != nil {
		return 0, c, err
	}
	return binary.LittleEndian.Uint32(b), c, nil
}

func (c Cursor) U64() (uint64, Cursor, error) {
	b, c, err := c.take(8)
	if err != nil {
		return 0, c, err
	}
	return binary.LittleEndian.Uint64(b), c, nil
}

// ULEB128 reads one unsigned little endian base-128 value.
func (c Cursor) ULEB128() (uint64, Cursor, error) {
	var val uint64
	for shift := uint(0); ; shift += 7 {
		if c.Len() == 0 {
			return 0, c, fmt.Errorf("uleb128: %w", ErrTruncated)
		}
		b := c.data[c.pos]
		c.pos++
		if shift < 64 {
			val |= uint64(b&0x7f) << shift
		}
		if b&0x80 == 0 {
			return val, c, nil
		}
	}
}

// SLEB128 reads one signed little endian base-128 value, sign extended from
// the final shift.
func (c Cursor) SLEB128() (int64, Cursor, error) {
	var val int64
	shift := uint(0)
	for {
		if c.Len() == 0 {
			return 0, c, fmt.Errorf("sleb128: %w", ErrTruncated)
		}
		b := c.data[c.pos]
		c.pos++
		if shift < 64 {
			val |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				val |= -1 << shift
			}
			return val, c, nil
		}
	}
}

// Encoded reads one value stored with enc. PC-relative values are adjusted by
// the address the value was read from, all others by base. A zero raw value
// is a null pointer and is returned as is.
func (c Cursor) Encoded(enc Encoding, base uint64, mem Memory) (uint64, Cursor, error) {
	if enc == Omit {
		return 0, c, nil
	}
	if enc == Aligned {
		addr := (c.Addr() + PtrSize - 1) &^ (PtrSize - 1)
		next, err := c.Seek(addr)
		if err != nil {
			return 0, c, err
		}
		return next.U64()
	}

	at := c.Addr()
	var (
		raw uint64
		err error
	)
	switch enc.Format() {
	case Uleb128:
		raw, c, err = c.ULEB128()
	case Sleb128:
		var v int64
		v, c, err = c.SLEB128()
		raw = uint64(v)
	case Udata2:
		var v uint16
		v, c, err = c.U16()
		raw = uint64(v)
	case Sdata2:
		var v uint16
		v, c, err = c.U16()
		raw = uint64(int64(int16(v)))
	case Udata4:
		var v uint32
		v, c, err = c.U32()
		raw = uint64(v)
	case Sdata4:
		var v uint32
		v, c, err = c.U32()
		raw = uint64(int64(int32(v)))
	case Udata8, Sdata8, Absptr:
		raw, c, err = c.U64()
	default:
		return 0, c, fmt.Errorf("read %#02x: %w", uint8(enc), ErrUnsupportedEncoding)
	}
	if err != nil {
		return 0, c, err
	}
	if raw == 0 {
		return 0, c, nil
	}

	switch enc.Adjust() {
	case PCRel:
		raw += at
	case Absptr, TextRel, DataRel, FuncRel:
		raw += base
	default:
		return 0, c, fmt.Errorf("read %#02x: %w", uint8(enc), ErrUnsupportedEncoding)
	}

	if enc&Indirect != 0 {
		raw, err = ReadPointer(mem, raw)
		if err != nil {
			return 0, c, err
		}
	}
	return raw, c, nil
}
