package tracedump

import "github.com/prometheus/client_golang/prometheus"

var (
	entries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlvtrace_dump_entries",
		Help: "Entries in the memory history",
	})
	releases = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlvtrace_dump_background_releases_total",
		Help: "Memory histories freed by a background goroutine",
	})
)

// Collectors returns the metrics exported by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{entries, releases}
}
