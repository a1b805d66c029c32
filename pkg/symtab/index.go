// Package symtab indexes the symbols of loaded code by name and by address.
//
// Symbols come from two sources: tables registered by compiled code, and ELF
// modules whose .symtab/.dynsym are read lazily the first time an address
// inside the module is looked up.
package symtab

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const defaultLoadConcurrency = 4

// Module is a range of the address space backed by an ELF file or by
// symbols registered at runtime (empty Path).
type Module struct {
	Name   string
	Path   string
	Start  uint64
	End    uint64
	Offset uint64
	// Base is the load bias added to the file's symbol values. It is computed
	// from the program headers unless KnownBase is set.
	Base      uint64
	KnownBase bool
}

func (m Module) Contains(addr uint64) bool {
	return m.Start <= addr && addr < m.End
}

type module struct {
	Module

	mu     sync.Mutex
	loaded bool
	err    error
}

type Options struct {
	Logger  log.Logger
	Metrics *Metrics // may be nil for tests
	// MaxLoadConcurrency bounds the number of modules UpdateIndex loads at
	// once.
	MaxLoadConcurrency int
	// Demangle turns mangled ELF symbol names into their source form.
	Demangle bool
}

type Index struct {
	logger      log.Logger
	metrics     *Metrics
	concurrency int
	demangle    bool

	mu      sync.Mutex
	symbols []Symbol
	sorted  bool
	byName  map[string]Symbol
	keys    map[symbolKey]struct{}
	modules []*module
}

func NewIndex(opts Options) *Index {
	x := &Index{
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		concurrency: opts.MaxLoadConcurrency,
		demangle:    opts.Demangle,
		byName:      make(map[string]Symbol),
		keys:        make(map[symbolKey]struct{}),
	}
	if x.logger == nil {
		x.logger = log.NewNopLogger()
	}
	if x.concurrency <= 0 {
		x.concurrency = defaultLoadConcurrency
	}
	return x
}

// Register adds symbols to the index. Registering a symbol already present
// (same module, start and name) is a no-op.
func (x *Index) Register(symbols ...Symbol) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, s := range symbols {
		k := s.key()
		if _, ok := x.keys[k]; ok {
			continue
		}
		x.keys[k] = struct{}{}
		x.symbols = append(x.symbols, s)
		x.sorted = false
		if _, ok := x.byName[s.Name]; !ok {
			x.byName[s.Name] = s
		}
	}
}

func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.symbols)
}

func (x *Index) FindByName(name string) (Symbol, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.byName[name]
	return s, ok
}

// FindVTable returns the vtable symbol of a class, registered either under
// the class name or under its demangled ELF form.
func (x *Index) FindVTable(class string) (Symbol, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, s := range x.symbols {
		if s.Kind == KindVTable && (s.Name == class || s.Name == "vtable for "+class) {
			return s, true
		}
	}
	return Symbol{}, false
}

// FindByAddress returns the nearest enclosing symbol of addr and the offset
// of addr from its start. ELF modules covering addr are loaded first.
func (x *Index) FindByAddress(addr uint64) (Symbol, uint64, bool) {
	x.loadModulesAt(addr)

	x.mu.Lock()
	s, ok := x.lookup(addr)
	x.mu.Unlock()

	if x.metrics != nil {
		if ok {
			x.metrics.KnownSymbols.WithLabelValues(s.Module).Inc()
		} else {
			x.metrics.UnknownSymbols.WithLabelValues(x.moduleName(addr)).Inc()
		}
	}
	if !ok {
		return Symbol{}, 0, false
	}
	return s, addr - s.Start, true
}

func (x *Index) lookup(addr uint64) (Symbol, bool) {
	if !x.sorted {
		sort.SliceStable(x.symbols, func(i, j int) bool {
			return x.symbols[i].Start < x.symbols[j].Start
		})
		x.sorted = true
	}
	i := sort.Search(len(x.symbols), func(i int) bool {
		return addr < x.symbols[i].Start
	})
	i--
	if i < 0 {
		return Symbol{}, false
	}
	// a symbol of unknown size only covers the gap up to the next symbol
	if x.symbols[i].Size == 0 {
		return x.symbols[i], true
	}
	for ; i >= 0; i-- {
		if s := x.symbols[i]; s.Size != 0 && s.Contains(addr) {
			return s, true
		}
	}
	return Symbol{}, false
}

// AddModule makes a module known to the index. Its symbols are loaded on the
// first lookup inside [Start, End) or by UpdateIndex.
func (x *Index) AddModule(m Module) error {
	if m.End <= m.Start {
		return errors.Errorf("module %s: empty range [%#x, %#x)", m.Name, m.Start, m.End)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, existing := range x.modules {
		if existing.Name == m.Name && existing.Start == m.Start {
			return nil
		}
	}
	x.modules = append(x.modules, &module{Module: m})
	return nil
}

func (x *Index) Modules() []Module {
	return lo.Map(x.moduleList(), func(m *module, _ int) Module {
		return m.snapshot()
	})
}

// ModuleAt returns the module covering addr. Base is final once the module
// was loaded.
func (x *Index) ModuleAt(addr uint64) (Module, bool) {
	for _, m := range x.moduleList() {
		if m.Contains(addr) {
			return m.snapshot(), true
		}
	}
	return Module{}, false
}

// moduleList copies the module list. A module's mu is never taken while
// holding x.mu: loadModule registers symbols with mu held.
func (x *Index) moduleList() []*module {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*module(nil), x.modules...)
}

func (m *module) snapshot() Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Module
}

func (x *Index) moduleName(addr uint64) string {
	if m, ok := x.ModuleAt(addr); ok {
		return m.Name
	}
	return "unknown"
}

func (x *Index) loadModulesAt(addr uint64) {
	pending := lo.Filter(x.moduleList(), func(m *module, _ int) bool {
		return m.Path != "" && m.Contains(addr)
	})
	for _, m := range pending {
		_ = x.loadModule(m, false)
	}
}

func (x *Index) loadModule(m *module, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded && !force {
		return m.err
	}
	m.loaded = true
	symbols, base, err := loadELF(m.Module, x.demangle)
	m.err = err
	if err != nil {
		level.Error(x.logger).Log("msg", "failed to load elf symbols", "err", err, "module", m.Name, "f", m.Path)
		if x.metrics != nil {
			x.metrics.ElfErrors.WithLabelValues(errorType(err)).Inc()
		}
		return err
	}
	m.Base, m.KnownBase = base, true
	x.Register(symbols...)
	level.Debug(x.logger).Log("msg", "loaded elf symbols", "module", m.Name, "symbols", len(symbols))
	if x.metrics != nil {
		x.metrics.ModulesLoaded.Inc()
	}
	return nil
}

// UpdateIndexForModule (re)loads the symbols of every ELF module named name.
func (x *Index) UpdateIndexForModule(ctx context.Context, name string) error {
	matching := lo.Filter(x.moduleList(), func(m *module, _ int) bool { return m.Name == name })
	if len(matching) == 0 {
		return errors.Errorf("module %q not found", name)
	}
	return x.update(ctx, matching)
}

// UpdateIndex (re)loads the symbols of all ELF modules. Already indexed
// symbols are kept, so calling it repeatedly does not change lookups.
func (x *Index) UpdateIndex(ctx context.Context) error {
	return x.update(ctx, x.moduleList())
}

func (x *Index) update(ctx context.Context, modules []*module) error {
	var (
		mu   sync.Mutex
		merr *multierror.Error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(x.concurrency)
	for _, m := range modules {
		if m.Path == "" {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := x.loadModule(m, true); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, errors.Wrapf(err, "module %s", m.Name))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return merr.ErrorOrNil()
}

// Symbols returns a copy of all indexed symbols whose name has the given
// prefix, in address order.
func (x *Index) Symbols(prefix string) []Symbol {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.lookup(0)
	return lo.Filter(x.symbols, func(s Symbol, _ int) bool {
		return strings.HasPrefix(s.Name, prefix)
	})
}
