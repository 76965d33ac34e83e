package tracefile

import "github.com/prometheus/client_golang/prometheus"

var (
	pageHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlvtrace_page_cache_hits_total",
		Help: "Trace page lookups served from the page cache",
	})
	pageMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlvtrace_page_cache_misses_total",
		Help: "Trace page lookups that decoded a page from the file",
	})
	pageEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlvtrace_page_cache_evictions_total",
		Help: "Trace pages evicted from the page cache",
	})
	residentPages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlvtrace_page_cache_resident_pages",
		Help: "Trace pages currently held in the page cache",
	})
	indexedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlvtrace_indexed_records_total",
		Help: "Records scanned by the index pass",
	})
)

// Collectors returns the metrics exported by this package so that the
// caller can register them.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{pageHits, pageMisses, pageEvictions, residentPages, indexedRecords}
}
