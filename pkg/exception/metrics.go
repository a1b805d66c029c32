package exception

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Thrown      prometheus.Counter
	Caught      prometheus.Counter
	Uncaught    prometheus.Counter
	LandingPads *prometheus.CounterVec
	Threads     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Thrown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ehrt_exceptions_thrown_total",
			Help: "Total number of exceptions thrown",
		}),
		Caught: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ehrt_exceptions_caught_total",
			Help: "Total number of exceptions that reached a handler",
		}),
		Uncaught: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ehrt_exceptions_uncaught_total",
			Help: "Total number of exceptions no frame handled",
		}),
		LandingPads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ehrt_landing_pads_installed_total",
			Help: "Total number of landing pads installed by kind",
		}, []string{"kind"}),
		Threads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ehrt_exception_threads",
			Help: "Number of threads with an exception stack",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Thrown,
			m.Caught,
			m.Uncaught,
			m.LandingPads,
			m.Threads,
		)
	}
	return m
}
