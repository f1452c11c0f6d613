package metrics

import "github.com/prometheus/client_golang/prometheus"

// Register installs a Prometheus-backed Metrics implementation as the
// active one, registering every metric against prometheus.DefaultRegisterer
// (mirroring this codebase's src/metrics/prometheus package).
func Register() {
	SetImplementation(prom{})
}

type prom struct{}

func (prom) RegisterGauge(subsystem, name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workerfarm",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(g)
	return g
}

func (prom) RegisterCounter(subsystem, name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workerfarm",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(c)
	return c
}

func (prom) RegisterHistogram(subsystem, name, help string, buckets []float64) Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workerfarm",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	})
	prometheus.MustRegister(h)
	return h
}
