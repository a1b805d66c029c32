package ehenc

import (
	"encoding/binary"
	"fmt"
)

func AppendULEB128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

func AppendSLEB128(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		dst = append(dst, b)
		if done {
			return dst
		}
	}
}

// AppendEncoded appends value using enc. at is the address the value will be
// stored at, used by PC-relative encodings; base is the relocation base for
// the other relative encodings. Indirect encodings store the address of the
// slot holding value, so value must already be that slot address.
func AppendEncoded(dst []byte, enc Encoding, value, base, at uint64) ([]byte, error) {
	if enc == Omit {
		return dst, nil
	}
	raw := value
	if value != 0 {
		switch enc.Adjust() {
		case PCRel:
			raw = value - at
		case Absptr, TextRel, DataRel, FuncRel:
			raw = value - base
		default:
			return dst, fmt.Errorf("append %#02x: %w", uint8(enc), ErrUnsupportedEncoding)
		}
	}
	switch enc.Format() {
	case Uleb128:
		return AppendULEB128(dst, raw), nil
	case Sleb128:
		return AppendSLEB128(dst, int64(raw)), nil
	case Udata2, Sdata2:
		return binary.LittleEndian.AppendUint16(dst, uint16(raw)), nil
	case Udata4, Sdata4:
		return binary.LittleEndian.AppendUint32(dst, uint32(raw)), nil
	case Udata8, Sdata8, Absptr:
		return binary.LittleEndian.AppendUint64(dst, raw), nil
	}
	return dst, fmt.Errorf("append %#02x: %w", uint8(enc), ErrUnsupportedEncoding)
}

// Region is a Memory made of one contiguous block of bytes. The address just
// past the end maps to an empty slice.
type Region struct {
	Addr uint64
	Data []byte
}

func (r Region) Slice(addr uint64) ([]byte, error) {
	if addr < r.Addr || addr > r.Addr+uint64(len(r.Data)) {
		return nil, fmt.Errorf("address %#x outside region [%#x, %#x): %w", addr, r.Addr, r.Addr+uint64(len(r.Data)), ErrTruncated)
	}
	return r.Data[addr-r.Addr:], nil
}
