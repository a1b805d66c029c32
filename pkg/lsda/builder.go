package lsda

import (
	"fmt"

	"github.com/grafana/ehrt/pkg/ehenc"
)

// Builder emits LSDA blobs. Call sites are given as function-relative offsets
// and must be added in increasing order.
type Builder struct {
	// TTypeEncoding is the encoding of type table entries. Zero means
	// absolute pointers.
	TTypeEncoding ehenc.Encoding

	sites []site
	types []uint64
}

type site struct {
	CallSite
	filters []int64
}

// TypeFilter returns the filter referencing typeInfo, adding it to the type
// table when not present yet.
func (b *Builder) TypeFilter(typeInfo uint64) int64 {
	for i, t := range b.types {
		if t == typeInfo {
			return int64(i + 1)
		}
	}
	b.types = append(b.types, typeInfo)
	return int64(len(b.types))
}

// AddCallSite adds the range [start, start+length) with a landing pad at
// offset pad from the function start. filters is the action chain; an empty
// chain with a non-zero pad is a bare cleanup.
func (b *Builder) AddCallSite(start, length, pad uint64, filters ...int64) *Builder {
	b.sites = append(b.sites, site{
		CallSite: CallSite{Start: start, Length: length, LandingPad: pad},
		filters:  filters,
	})
	return b
}

// Build lays out the blob as it will be mapped at addr.
func (b *Builder) Build(addr uint64, bases ehenc.Bases) ([]byte, error) {
	for i := 1; i < len(b.sites); i++ {
		if b.sites[i].Start < b.sites[i-1].Start+b.sites[i-1].Length {
			return nil, fmt.Errorf("call-site %d overlaps or precedes call-site %d", i, i-1)
		}
	}

	var actions []byte
	var callSites []byte
	for _, s := range b.sites {
		action := uint64(0)
		if len(s.filters) > 0 {
			action = uint64(len(actions)) + 1
			for i, f := range s.filters {
				actions = ehenc.AppendSLEB128(actions, f)
				disp := int64(0)
				if i < len(s.filters)-1 {
					disp = 1
				}
				actions = ehenc.AppendSLEB128(actions, disp)
			}
		}
		callSites = ehenc.AppendULEB128(callSites, s.Start)
		callSites = ehenc.AppendULEB128(callSites, s.Length)
		callSites = ehenc.AppendULEB128(callSites, s.LandingPad)
		callSites = ehenc.AppendULEB128(callSites, action)
	}

	ttEnc := b.TTypeEncoding
	if len(b.types) == 0 {
		ttEnc = ehenc.Omit
	}
	size, err := ehenc.SizeOf(ttEnc)
	if err != nil {
		return nil, err
	}
	if ttEnc != ehenc.Omit && size <= 0 {
		return nil, fmt.Errorf("type table entries with %s: %w", ttEnc, ehenc.ErrUnsupportedEncoding)
	}

	csLen := ehenc.AppendULEB128(nil, uint64(len(callSites)))
	rest := 1 + len(csLen) + len(callSites) + len(actions) + len(b.types)*size

	out := []byte{byte(ehenc.Omit), byte(ttEnc)}
	if ttEnc != ehenc.Omit {
		out = ehenc.AppendULEB128(out, uint64(rest))
	}
	out = append(out, byte(ehenc.Uleb128))
	out = append(out, csLen...)
	out = append(out, callSites...)
	out = append(out, actions...)

	if ttEnc == ehenc.Omit {
		return out, nil
	}
	base, err := ehenc.BaseOf(ttEnc, bases)
	if err != nil {
		return nil, err
	}
	for i := len(b.types) - 1; i >= 0; i-- {
		at := addr + uint64(len(out))
		if out, err = ehenc.AppendEncoded(out, ttEnc, b.types[i], base, at); err != nil {
			return nil, err
		}
	}
	return out, nil
}
