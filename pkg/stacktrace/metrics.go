package stacktrace

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Resolutions     *prometheus.CounterVec
	LineTableErrors prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ehrt_stacktrace_resolutions_total",
			Help: "Total number of resolved traces by cache status",
		}, []string{"status"}),
		LineTableErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ehrt_stacktrace_line_table_errors_total",
			Help: "Total number of modules whose line table could not be built",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Resolutions, m.LineTableErrors)
	}
	return m
}
