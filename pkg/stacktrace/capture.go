// Package stacktrace captures raw return-address traces and resolves them
// to function, file and line for diagnostics.
package stacktrace

import (
	"encoding/binary"
	"runtime"

	"github.com/cespare/xxhash/v2"
)

const DefaultMaxDepth = 128

// Walker reports the return addresses of a language thread, innermost
// first, and returns how many were written.
type Walker interface {
	Callers(pcs []uint64) int
}

// RawTrace is an unresolved trace. Native traces hold Go program counters
// as returned by runtime.Callers.
type RawTrace struct {
	PCs    []uint64
	Native bool
}

func (t RawTrace) Empty() bool { return len(t.PCs) == 0 }

// Fingerprint identifies the trace for result caching.
func (t RawTrace) Fingerprint() uint64 {
	d := xxhash.New()
	var buf [8]byte
	if t.Native {
		buf[0] = 1
	}
	_, _ = d.Write(buf[:1])
	for _, pc := range t.PCs {
		binary.LittleEndian.PutUint64(buf[:], pc)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Capture records at most max return addresses of w, or of the calling
// goroutine when w is nil.
func Capture(w Walker, max int) RawTrace {
	if max <= 0 {
		max = DefaultMaxDepth
	}
	if w != nil {
		pcs := make([]uint64, max)
		n := w.Callers(pcs)
		return RawTrace{PCs: pcs[:n]}
	}
	upcs := make([]uintptr, max)
	n := runtime.Callers(2, upcs)
	pcs := make([]uint64, n)
	for i, pc := range upcs[:n] {
		pcs[i] = uint64(pc)
	}
	return RawTrace{PCs: pcs, Native: true}
}
