// Package metrics exposes the resolver's Prometheus instrumentation:
// queries issued by outcome, authority-cache hits and misses,
// UDP-to-TCP promotions, retry exhaustion, and resolve duration.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the resolver's counters and histograms. A nil
// *Metrics is valid and a no-op (every method is a nil-safe receiver),
// so instrumentation is opt-in.
type Metrics struct {
	QueriesTotal          *prometheus.CounterVec
	CacheAuthoritiesHit   prometheus.Counter
	CacheAuthoritiesMiss  prometheus.Counter
	TCPPromotionsTotal    prometheus.Counter
	RetriesExhaustedTotal prometheus.Counter
	ResolveDuration       prometheus.Histogram
}

// New registers and returns a fresh set of resolver metrics against
// reg. Pass prometheus.NewRegistry() in tests to avoid colliding with
// the default global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iterdns",
			Name:      "queries_total",
			Help:      "Queries sent to authorities, labeled by outcome.",
		}, []string{"outcome"}),
		CacheAuthoritiesHit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iterdns",
			Name:      "authority_cache_hits_total",
			Help:      "longest_known_zone calls that found a non-root zone.",
		}),
		CacheAuthoritiesMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iterdns",
			Name:      "authority_cache_misses_total",
			Help:      "longest_known_zone calls that fell back to the root zone.",
		}),
		TCPPromotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iterdns",
			Name:      "tcp_promotions_total",
			Help:      "UDP exchanges that were retried over TCP due to truncation or oversize queries.",
		}),
		RetriesExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iterdns",
			Name:      "retries_exhausted_total",
			Help:      "Resolutions that aborted with RetryExceeded or NoRespondingServers.",
		}),
		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "iterdns",
			Name:      "resolve_duration_seconds",
			Help:      "Wall-clock time of a top-level Resolve call.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.QueriesTotal, m.CacheAuthoritiesHit, m.CacheAuthoritiesMiss,
		m.TCPPromotionsTotal, m.RetriesExhaustedTotal, m.ResolveDuration)
	return m
}

func (m *Metrics) queryOutcome(outcome string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QuerySucceeded()     { m.queryOutcome("success") }
func (m *Metrics) QueryHostExhausted() { m.queryOutcome("host_retry_exceeded") }
func (m *Metrics) QueryDNSError()      { m.queryOutcome("dns_error") }

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheAuthoritiesHit.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheAuthoritiesMiss.Inc()
}

func (m *Metrics) TCPPromotion() {
	if m == nil {
		return
	}
	m.TCPPromotionsTotal.Inc()
}

func (m *Metrics) RetriesExhausted() {
	if m == nil {
		return
	}
	m.RetriesExhaustedTotal.Inc()
}

func (m *Metrics) ObserveResolveSeconds(seconds float64) {
	if m == nil {
		return
	}
	m.ResolveDuration.Observe(seconds)
}
