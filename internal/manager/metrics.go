package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	residentModels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelgate",
		Subsystem: "pool",
		Name:      "resident_models",
		Help:      "Number of currently resident models",
	})
	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "modelgate",
		Subsystem: "pool",
		Name:      "evictions_total",
		Help:      "Total LRU and idle evictions",
	})
	loadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "modelgate",
		Subsystem: "pool",
		Name:      "loads_total",
		Help:      "Total successful model loads",
	})
	loadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "modelgate",
		Subsystem: "pool",
		Name:      "load_failures_total",
		Help:      "Total model loads that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(residentModels, evictionsTotal, loadsTotal, loadFailuresTotal)
}
