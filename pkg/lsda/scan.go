package lsda

import (
	"github.com/grafana/ehrt/pkg/ehenc"
)

type Query struct {
	IP uint64
	// BeforeInsn is set when IP already points at the instruction that
	// raised. Return addresses point past the call and are adjusted by one.
	BeforeInsn bool
	// Handlers enables type filter matching. Cleanup-only scans and forced
	// unwinds leave it unset.
	Handlers bool
	Payload  any
	Match    MatchFunc
}

type Result struct {
	LandingPad uint64
	Handler    int
	SawHandler bool
	SawCleanup bool
}

// Found reports whether the frame has a landing pad to run for the query.
func (r Result) Found() bool {
	return r.LandingPad != 0 && (r.SawHandler || r.SawCleanup)
}

// Scan parses the LSDA at addr and resolves q against it.
func Scan(mem ehenc.Memory, addr uint64, bases ehenc.Bases, q Query) (Result, error) {
	t, err := Parse(mem, addr, bases)
	if err != nil {
		return Result{}, err
	}
	return t.Scan(q)
}

func (t *Table) Scan(q Query) (Result, error) {
	ip := q.IP
	if !q.BeforeInsn {
		ip--
	}
	cs, ok, err := t.FindCallSite(ip)
	if err != nil || !ok || cs.LandingPad == 0 {
		return Result{}, err
	}
	res := Result{LandingPad: t.LandingPadAddr(cs)}
	if cs.Action == 0 {
		res.SawCleanup = true
		return res, nil
	}

	var typeErr error
	err = t.walkActions(t.ActionTable+cs.Action-1, func(r ActionRecord) bool {
		switch {
		case r.Filter == 0:
			res.SawCleanup = true
		case r.Filter > 0:
			if !q.Handlers || q.Match == nil {
				return true
			}
			ti, err := t.TypeInfo(r.Filter)
			if err != nil {
				typeErr = err
				return false
			}
			if q.Match(int(r.Filter), ti, q.Payload) {
				res.SawHandler = true
				res.Handler = int(r.Filter)
				return false
			}
		default:
			// exception specifications are not supported and end the chain
			return false
		}
		return true
	})
	if err == nil {
		err = typeErr
	}
	return res, err
}
