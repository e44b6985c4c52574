package paygate

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus collectors on a private registry.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeConns      prometheus.Gauge
	paymentFlows     *prometheus.CounterVec
	decisionWait     *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	heldFlows        prometheus.Gauge
	authorityErrors  *prometheus.CounterVec
	breakerState     prometheus.Gauge
	classifierReload *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "requests_total",
			Help:      "Total number of requests seen by the proxy.",
		}, []string{"method", "scheme"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "paygate",
			Name:      "request_duration_seconds",
			Help:      "Upstream request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "paygate",
			Name:      "active_connections",
			Help:      "Number of intercepted TLS connections.",
		}),

		paymentFlows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "payment_flows_total",
			Help:      "Payment flows by outcome and resolution source.",
		}, []string{"outcome", "source"}),

		decisionWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "paygate",
			Name:      "decision_wait_seconds",
			Help:      "Time a payment flow was held before resolution.",
			Buckets:   []float64{.01, .1, .5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		}, []string{"outcome"}),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "cache_lookups_total",
			Help:      "Decision cache lookups by result.",
		}, []string{"result"}),

		heldFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "paygate",
			Name:      "held_flows",
			Help:      "Payment flows currently awaiting a decision.",
		}),

		authorityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "authority_errors_total",
			Help:      "Failed calls to the approval authority by operation.",
		}, []string{"op"}),

		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "paygate",
			Name:      "authority_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),

		classifierReload: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "classifier_reloads_total",
			Help:      "Classifier rule reloads by result.",
		}, []string{"result"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeConns,
		m.paymentFlows,
		m.decisionWait,
		m.cacheLookups,
		m.heldFlows,
		m.authorityErrors,
		m.breakerState,
		m.classifierReload,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
	)

	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts a request entering the proxy.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordRequestDuration records an upstream round trip.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, d time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(d.Seconds())
}

func (m *Metrics) IncActiveConns() { m.activeConns.Inc() }
func (m *Metrics) DecActiveConns() { m.activeConns.Dec() }

// RecordFlow records a resolved payment flow.
func (m *Metrics) RecordFlow(outcome, source string, held time.Duration) {
	m.paymentFlows.WithLabelValues(outcome, source).Inc()
	m.decisionWait.WithLabelValues(outcome).Observe(held.Seconds())
}

// RecordCacheLookup records a decision cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) IncHeldFlows() { m.heldFlows.Inc() }
func (m *Metrics) DecHeldFlows() { m.heldFlows.Dec() }

// RecordAuthorityError counts a failed authority call.
func (m *Metrics) RecordAuthorityError(op string) {
	m.authorityErrors.WithLabelValues(op).Inc()
}

// SetBreakerState publishes the breaker state.
func (m *Metrics) SetBreakerState(state int) {
	m.breakerState.Set(float64(state))
}

// RecordClassifierReload counts a reload attempt.
func (m *Metrics) RecordClassifierReload(err error) {
	if err != nil {
		m.classifierReload.WithLabelValues("error").Inc()
		return
	}
	m.classifierReload.WithLabelValues("ok").Inc()
}

// RecordUpstreamError counts an upstream failure.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError counts a failed client handshake.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}

// AuthorityMetrics holds the approval authority's collectors.
type AuthorityMetrics struct {
	pending   prometheus.Gauge
	intake    prometheus.Counter
	decisions *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewAuthorityMetrics creates the authority collectors on a private registry.
func NewAuthorityMetrics() *AuthorityMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &AuthorityMetrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "paygate",
			Subsystem: "authority",
			Name:      "pending_requests",
			Help:      "Flows awaiting a reviewer decision.",
		}),
		intake: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paygate",
			Subsystem: "authority",
			Name:      "intake_total",
			Help:      "Flows submitted for review.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paygate",
			Subsystem: "authority",
			Name:      "decisions_total",
			Help:      "Reviewer decisions applied.",
		}, []string{"decision"}),
		registry: reg,
	}
	reg.MustRegister(m.pending, m.intake, m.decisions)
	return m
}

// Handler serves the registry.
func (m *AuthorityMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *AuthorityMetrics) SetPending(n int)        { m.pending.Set(float64(n)) }
func (m *AuthorityMetrics) RecordIntake()           { m.intake.Inc() }
func (m *AuthorityMetrics) RecordDecision(d string) { m.decisions.WithLabelValues(d).Inc() }
