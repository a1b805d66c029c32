package symtab

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ElfErrors      *prometheus.CounterVec
	KnownSymbols   *prometheus.CounterVec
	UnknownSymbols *prometheus.CounterVec
	ModulesLoaded  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ElfErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ehrt_symtab_elf_errors_total",
			Help: "Total number of errors while trying to load the symbols of an elf file",
		}, []string{"error"}),
		KnownSymbols: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ehrt_symtab_known_symbols_total",
			Help: "Total number of addresses resolved to a symbol",
		}, []string{"module"}),
		UnknownSymbols: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ehrt_symtab_unknown_symbols_total",
			Help: "Total number of addresses with no enclosing symbol",
		}, []string{"module"}),
		ModulesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ehrt_symtab_modules_loaded_total",
			Help: "Total number of module symbol tables loaded into the index",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ElfErrors,
			m.KnownSymbols,
			m.UnknownSymbols,
			m.ModulesLoaded,
		)
	}

	return m
}
