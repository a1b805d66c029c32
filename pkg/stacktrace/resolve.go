package stacktrace

import (
	"runtime"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/pyroscope/lidia"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/ehrt/pkg/symtab"
)

const (
	UnknownFunction = "<unknown>"
	UnknownFile     = "??"

	defaultCacheSize = 256
)

// DefaultTrimPrefixes names the glue frames dropped from both ends of a
// resolved trace: the runtime's own packages and Go's entry frames.
var DefaultTrimPrefixes = []string{
	"github.com/grafana/ehrt/pkg/",
	"runtime.",
}

type ResolvedFrame struct {
	Address  uint64
	Function string
	Offset   uint64
	File     string
	Line     int
	Module   string
}

func (f ResolvedFrame) HasFunction() bool { return f.Function != UnknownFunction }
func (f ResolvedFrame) HasFile() bool     { return f.File != UnknownFile }

type Options struct {
	Index   *symtab.Index
	Logger  log.Logger
	Metrics *Metrics
	// TrimPrefixes replaces DefaultTrimPrefixes when not nil.
	TrimPrefixes []string
	CacheSize    int
}

// Resolver turns raw traces into frames. It never fails: whatever cannot be
// resolved is reported as UnknownFunction / UnknownFile.
type Resolver struct {
	index   *symtab.Index
	logger  log.Logger
	metrics *Metrics
	trim    []string

	results *lru.Cache[uint64, []ResolvedFrame]
	tables  *lru.Cache[string, *lineTable]
	group   singleflight.Group
}

type lineTable struct {
	mu    sync.Mutex
	table *lidia.Table
	buf   []lidia.SourceInfoFrame
}

func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		index:   opts.Index,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		trim:    opts.TrimPrefixes,
	}
	if r.logger == nil {
		r.logger = log.NewNopLogger()
	}
	if r.trim == nil {
		r.trim = DefaultTrimPrefixes
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	// only fails on a non-positive size
	r.results, _ = lru.New[uint64, []ResolvedFrame](size)
	r.tables, _ = lru.NewWithEvict[string, *lineTable](size, func(_ string, t *lineTable) {
		if t != nil && t.table != nil {
			t.table.Close()
		}
	})
	return r
}

// Resolve returns the frames of t, innermost first, with glue frames
// trimmed from both ends.
func (r *Resolver) Resolve(t RawTrace) []ResolvedFrame {
	if t.Empty() {
		return nil
	}
	key := t.Fingerprint()
	if frames, ok := r.results.Get(key); ok {
		r.observe("hit")
		return append([]ResolvedFrame(nil), frames...)
	}
	var frames []ResolvedFrame
	if t.Native {
		frames = r.resolveNative(t.PCs)
	} else {
		frames = lo.Map(t.PCs, func(pc uint64, _ int) ResolvedFrame {
			return r.resolveAddress(pc)
		})
	}
	frames = r.trimGlue(frames)
	r.results.Add(key, frames)
	r.observe("miss")
	return append([]ResolvedFrame(nil), frames...)
}

func (r *Resolver) observe(status string) {
	if r.metrics != nil {
		r.metrics.Resolutions.WithLabelValues(status).Inc()
	}
}

func (r *Resolver) resolveNative(pcs []uint64) []ResolvedFrame {
	upcs := lo.Map(pcs, func(pc uint64, _ int) uintptr { return uintptr(pc) })
	it := runtime.CallersFrames(upcs)
	var res []ResolvedFrame
	for {
		f, more := it.Next()
		rf := ResolvedFrame{
			Address:  uint64(f.PC),
			Function: f.Function,
			File:     f.File,
			Line:     f.Line,
		}
		if f.Entry != 0 && f.PC >= f.Entry {
			rf.Offset = uint64(f.PC - f.Entry)
		}
		if rf.Function == "" {
			rf.Function = UnknownFunction
		}
		if rf.File == "" {
			rf.File = UnknownFile
		}
		res = append(res, rf)
		if !more {
			break
		}
	}
	return res
}

func (r *Resolver) resolveAddress(pc uint64) ResolvedFrame {
	f := ResolvedFrame{Address: pc, Function: UnknownFunction, File: UnknownFile}
	if r.index == nil {
		return f
	}
	if sym, off, ok := r.index.FindByAddress(pc); ok {
		f.Function = sym.Name
		f.Offset = off
		f.Module = sym.Module
		if sym.File != "" {
			f.File = sym.File
			f.Line = sym.Line
		}
	}
	m, ok := r.index.ModuleAt(pc)
	if !ok {
		return f
	}
	if f.Module == "" {
		f.Module = m.Name
	}
	if m.Path == "" || (f.HasFunction() && f.HasFile()) {
		return f
	}
	src, ok := r.lookupLines(m, pc-m.Base)
	if !ok {
		return f
	}
	if !f.HasFunction() && src.FunctionName != "" {
		f.Function = src.FunctionName
	}
	if !f.HasFile() && src.FilePath != "" {
		f.File = src.FilePath
		f.Line = int(src.LineNumber)
	}
	return f
}

// lookupLines returns the innermost source frame covering the file-relative
// address va in the module's line table.
func (r *Resolver) lookupLines(m symtab.Module, va uint64) (lidia.SourceInfoFrame, bool) {
	t := r.lineTable(m.Path)
	if t == nil {
		return lidia.SourceInfoFrame{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	t.buf, err = t.table.Lookup(t.buf, va)
	if err != nil {
		level.Debug(r.logger).Log("msg", "line table lookup failed", "err", err, "module", m.Name, "va", va)
		return lidia.SourceInfoFrame{}, false
	}
	if len(t.buf) == 0 {
		return lidia.SourceInfoFrame{}, false
	}
	return t.buf[0], true
}

func (r *Resolver) lineTable(path string) *lineTable {
	if t, ok := r.tables.Get(path); ok {
		return t
	}
	v, _, _ := r.group.Do(path, func() (any, error) {
		if t, ok := r.tables.Get(path); ok {
			return t, nil
		}
		table, err := buildLineTable(path)
		if err != nil {
			level.Warn(r.logger).Log("msg", "failed to build line table", "err", err, "path", path)
			if r.metrics != nil {
				r.metrics.LineTableErrors.Inc()
			}
			// remembered so the file is not parsed again
			r.tables.Add(path, nil)
			return (*lineTable)(nil), nil
		}
		t := &lineTable{table: table}
		r.tables.Add(path, t)
		return t, nil
	})
	return v.(*lineTable)
}

func (r *Resolver) trimGlue(frames []ResolvedFrame) []ResolvedFrame {
	glue := func(f ResolvedFrame) bool {
		return lo.SomeBy(r.trim, func(p string) bool { return strings.HasPrefix(f.Function, p) })
	}
	start := 0
	for start < len(frames) && glue(frames[start]) {
		start++
	}
	end := len(frames)
	for end > start && glue(frames[end-1]) {
		end--
	}
	return frames[start:end]
}
