// Package exception is the language runtime side of exception handling:
// exception headers kept on per-thread LIFO stacks, the personality routine
// driving LSDA scans for the unwinder, and the throw and catch entry points.
package exception

import (
	"github.com/grafana/ehrt/pkg/fatal"
	"github.com/grafana/ehrt/pkg/stacktrace"
	"github.com/grafana/ehrt/pkg/unwind"
)

// Class tags exceptions raised by this runtime. Exceptions of any other class
// are foreign: they are scanned like ours but carry no payload.
const Class uint64 = 'G'<<56 | 'N'<<48 | 'U'<<40 | 'C'<<32 | 'Y'<<24

// Header is an in-flight exception. It embeds the unwinder's exception, whose
// Owner points back at the header.
type Header struct {
	unwind.Exception

	Payload any
	Origin  fatal.Origin
	Trace   stacktrace.RawTrace

	stack *ThreadStack
	next  *Header

	// written in phase 1 at the handler frame, read back in phase 2
	saved      bool
	handler    int
	lsda       uint64
	landingPad uint64
	cfa        uint64
}

// HeaderOf maps the unwinder's handle back to its header.
func HeaderOf(exc *unwind.Exception) (*Header, bool) {
	if exc == nil {
		return nil, false
	}
	h, ok := exc.Owner.(*Header)
	return h, ok && h != nil
}

func (h *Header) save(handler int, lsda, landingPad, cfa uint64) {
	h.saved = true
	h.handler = handler
	h.lsda = lsda
	h.landingPad = landingPad
	h.cfa = cfa
}

func (h *Header) restore(cfa uint64) (handler int, landingPad uint64, ok bool) {
	if !h.saved || h.cfa != cfa {
		return 0, 0, false
	}
	return h.handler, h.landingPad, true
}
