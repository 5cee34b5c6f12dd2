package request

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for the request client.
// A nil *Metrics disables collection; all record methods are nil-safe.
type Metrics struct {
	requestsTotal *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	inFlight      *prometheus.GaugeVec
	duration      *prometheus.HistogramVec
}

// NewMetrics creates and registers request client collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "textmux_requests_total",
			Help: "Total logical requests by resource and outcome.",
		}, []string{"resource", "outcome"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "textmux_request_retries_total",
			Help: "Total retry attempts by resource.",
		}, []string{"resource"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "textmux_request_cache_hits_total",
			Help: "Requests served from the response cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "textmux_request_cache_misses_total",
			Help: "Cacheable requests that missed the response cache.",
		}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "textmux_requests_in_flight",
			Help: "Admitted requests currently in flight by resource.",
		}, []string{"resource"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "textmux_request_duration_seconds",
			Help:    "Logical request duration by resource.",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource"}),
	}

	if reg != nil {
		reg.MustRegister(m.requestsTotal, m.retriesTotal, m.cacheHits, m.cacheMisses, m.inFlight, m.duration)
	}
	return m
}

func (m *Metrics) recordOutcome(resource, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(resource, outcome).Inc()
	m.duration.WithLabelValues(resource).Observe(seconds)
}

func (m *Metrics) recordRetry(resource string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(resource).Inc()
}

func (m *Metrics) recordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) recordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) inFlightAdd(resource string, delta float64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(resource).Add(delta)
}
