package adproxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "adproxy"

// Metrics is the proxy's Prometheus instrumentation. Each instance owns a
// private registry, so several proxies in one process do not collide.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestsBlocked  *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	inFlight         prometheus.Gauge
	spoofedHeaders   *prometheus.CounterVec
	filterRuleCount  *prometheus.GaugeVec
	filterReloads    prometheus.Counter
	filterReloadErrs prometheus.Counter
	upstreamErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics registers the proxy collectors alongside the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests processed, by verdict.",
		}, []string{"method", "outcome"}),

		requestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_blocked_total",
			Help:      "Total number of requests rejected before reaching upstream.",
		}, []string{"reason"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Relayed request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of requests currently being relayed.",
		}),

		spoofedHeaders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spoofed_headers_total",
			Help:      "Number of outgoing request headers rewritten by spoofing rules.",
		}, []string{"header"}),

		filterRuleCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "filter_rule_count",
			Help:      "Number of active filter rules, by kind.",
		}, []string{"kind"}),

		filterReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_reloads_total",
			Help:      "Number of successful filter reloads.",
		}),

		filterReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_reload_errors_total",
			Help:      "Number of failed filter reloads.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsBlocked,
		m.requestDuration,
		m.inFlight,
		m.spoofedHeaders,
		m.filterRuleCount,
		m.filterReloads,
		m.filterReloadErrs,
		m.upstreamErrors,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a request and the verdict it received
// ("admitted", "blocked", "unsupported" or "invalid" for a request that
// was not in proxy form).
func (m *Metrics) RecordRequest(method, outcome string) {
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordBlocked records a request refused by a filter or method verdict.
func (m *Metrics) RecordBlocked(reason string) {
	m.requestsBlocked.WithLabelValues(reason).Inc()
}

// RecordRequestDuration records the duration of a relayed request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// TrackRelay counts a relay as in flight until the returned func is called.
func (m *Metrics) TrackRelay() (done func()) {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// RecordSpoofed records the headers rewritten on one request.
func (m *Metrics) RecordSpoofed(h http.Header) {
	for name := range h {
		m.spoofedHeaders.WithLabelValues(name).Inc()
	}
}

// SetFilterRuleCount publishes the rule counts of the active RuleSet.
func (m *Metrics) SetFilterRuleCount(stats RuleSetStats) {
	m.filterRuleCount.WithLabelValues("block").Set(float64(stats.Block))
	m.filterRuleCount.WithLabelValues("allow").Set(float64(stats.Allow))
	m.filterRuleCount.WithLabelValues("spoof").Set(float64(stats.Spoof))
}

// RecordFilterReload counts a reload that published a new RuleSet.
func (m *Metrics) RecordFilterReload() {
	m.filterReloads.Inc()
}

// RecordFilterReloadError counts a reload that kept the previous RuleSet.
func (m *Metrics) RecordFilterReloadError() {
	m.filterReloadErrs.Inc()
}

// RecordUpstreamError counts a failed round trip or body read for host.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}
