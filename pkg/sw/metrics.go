package sw

import "github.com/prometheus/client_golang/prometheus"

// Metrics of the response cache. A nil *Metrics records nothing.
type Metrics struct {
	fetches   *prometheus.CounterVec
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	fallbacks prometheus.Counter
	evicted   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_fetch_total",
			Help: "The total number of intercepted fetches per strategy",
		}, []string{"strategy"}),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_cache_hit_total",
			Help: "The total number of live cached responses served",
		}, []string{"cache"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_cache_miss_total",
			Help: "The total number of lookups without a live cached response",
		}, []string{"cache"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sw_fallback_total",
			Help: "The total number of synthetic timeout responses",
		}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_evicted_total",
			Help: "The total number of entries removed by maintenance",
		}, []string{"reason"}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.fetches, m.hits, m.misses, m.fallbacks, m.evicted} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) fetch(s Strategy) {
	if m != nil {
		m.fetches.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) hit(k CacheKind) {
	if m != nil {
		m.hits.WithLabelValues(string(k)).Inc()
	}
}

func (m *Metrics) miss(k CacheKind) {
	if m != nil {
		m.misses.WithLabelValues(string(k)).Inc()
	}
}

func (m *Metrics) fallback() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

func (m *Metrics) evict(reason string, n int) {
	if m != nil && n > 0 {
		m.evicted.WithLabelValues(reason).Add(float64(n))
	}
}
