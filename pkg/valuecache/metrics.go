package valuecache

import "github.com/prometheus/client_golang/prometheus"

// Collector exports Store statistics. Register it with a prometheus.Registerer.
type Collector struct {
	s *Store

	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	entries   *prometheus.Desc
	memory    *prometheus.Desc
}

func NewCollector(name string, s *Store) *Collector {
	labels := prometheus.Labels{"cache": name}
	return &Collector{
		s:         s,
		hits:      prometheus.NewDesc("value_cache_hits_total", "The total number of cache hits", nil, labels),
		misses:    prometheus.NewDesc("value_cache_misses_total", "The total number of cache misses", nil, labels),
		evictions: prometheus.NewDesc("value_cache_evictions_total", "The total number of evicted entries", nil, labels),
		entries:   prometheus.NewDesc("value_cache_entries", "Current number of cached entries", nil, labels),
		memory:    prometheus.NewDesc("value_cache_memory_bytes", "Estimated bytes held by cached entries", nil, labels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.entries
	ch <- c.memory
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.s.Stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(st.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(st.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(st.Evictions))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Size))
	ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(st.MemoryBytes))
}
