package exception

import (
	"github.com/go-kit/log/level"

	"github.com/grafana/ehrt/pkg/fatal"
	"github.com/grafana/ehrt/pkg/lsda"
	"github.com/grafana/ehrt/pkg/unwind"
)

const (
	padHandler = "handler"
	padCleanup = "cleanup"
)

// Personality answers the unwinder for frames of compiled code. In phase 1
// it reports whether the frame handles the exception and remembers the
// match in the header. In phase 2 it installs the remembered handler at the
// handler frame and cleanup pads everywhere else.
func (r *Runtime) Personality(version int, actions unwind.Action, class uint64, exc *unwind.Exception, ctx unwind.Context) unwind.Reason {
	if version != 1 {
		return unwind.FatalPhase1Error
	}
	h, own := HeaderOf(exc)
	own = own && class == Class
	search := actions&unwind.SearchPhase != 0
	handlerFrame := actions&unwind.HandlerFrame != 0

	if actions&unwind.CleanupPhase != 0 && handlerFrame && own {
		handler, pad, ok := h.restore(ctx.CFA())
		if !ok || pad == 0 {
			r.term.Terminate("unwind error", fatal.Here())
			return unwind.FatalPhase2Error
		}
		r.install(ctx, exc, pad, handler, padHandler)
		return unwind.InstallContext
	}

	addr := ctx.LanguageSpecificData()
	if addr == 0 {
		return unwind.ContinueUnwind
	}
	mem := ctx.Memory()
	if mem == nil {
		r.scanFailed(errNoMemory, ctx)
		return fatalReason(search)
	}
	ip, beforeInsn := ctx.IP()
	q := lsda.Query{
		IP:         ip,
		BeforeInsn: beforeInsn,
		Handlers:   (search || handlerFrame) && actions&unwind.ForceUnwind == 0,
		Match:      r.match,
	}
	if own {
		q.Payload = h.Payload
	}
	res, err := lsda.Scan(mem, addr, unwind.Bases(ctx), q)
	if err != nil {
		r.scanFailed(err, ctx)
		return fatalReason(search)
	}

	if search {
		if !res.SawHandler {
			return unwind.ContinueUnwind
		}
		if own {
			h.save(res.Handler, addr, res.LandingPad, ctx.CFA())
		}
		return unwind.HandlerFound
	}

	switch {
	case handlerFrame && res.SawHandler:
		// foreign exception: nothing was saved
		r.install(ctx, exc, res.LandingPad, res.Handler, padHandler)
		return unwind.InstallContext
	case res.SawCleanup && res.LandingPad != 0:
		r.install(ctx, exc, res.LandingPad, 0, padCleanup)
		return unwind.InstallContext
	}
	return unwind.ContinueUnwind
}

func (r *Runtime) install(ctx unwind.Context, exc *unwind.Exception, pad uint64, selector int, kind string) {
	ctx.SetExceptionPointer(exc)
	ctx.SetSelector(selector)
	ctx.SetIP(pad)
	if r.metrics != nil {
		r.metrics.LandingPads.WithLabelValues(kind).Inc()
	}
}

func (r *Runtime) scanFailed(err error, ctx unwind.Context) {
	ip, _ := ctx.IP()
	level.Error(r.logger).Log("msg", "failed to read exception table", "err", err, "ip", ip, "lsda", ctx.LanguageSpecificData())
	r.term.Terminate("reading encoded value: "+err.Error(), fatal.Here())
}

func fatalReason(search bool) unwind.Reason {
	if search {
		return unwind.FatalPhase1Error
	}
	return unwind.FatalPhase2Error
}
