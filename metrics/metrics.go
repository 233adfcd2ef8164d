// Package metrics exposes optional prometheus instrumentation for the
// transport and realtime layers. All methods are nil-receiver safe so
// components can carry a *Metrics without checking whether one was
// configured.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "exparo"

// Metrics bundles the SDK's counters.
type Metrics struct {
	requests    *prometheus.CounterVec
	retries     prometheus.Counter
	deduped     prometheus.Counter
	superseded  prometheus.Counter
	reconnects  prometheus.Counter
	pushUpdates *prometheus.CounterVec
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Count of HTTP requests by method and outcome.",
		}, []string{"method", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Count of retry attempts after a retryable failure.",
		}),
		deduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "deduplicated_total",
			Help:      "Count of requests suppressed as identical duplicates.",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "superseded_total",
			Help:      "Count of in-flight requests cancelled by a newer request with different content.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reconnects_total",
			Help:      "Count of scheduled websocket reconnect attempts.",
		}),
		pushUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "push_updates_total",
			Help:      "Count of inbound realtime updates by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.requests, m.retries, m.deduped, m.superseded, m.reconnects, m.pushUpdates)
	return m
}

// Request records one finished HTTP attempt.
func (m *Metrics) Request(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

// Retry records one retry attempt.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// Deduplicated records one suppressed duplicate request.
func (m *Metrics) Deduplicated() {
	if m == nil {
		return
	}
	m.deduped.Inc()
}

// Superseded records one cancelled-and-replaced request.
func (m *Metrics) Superseded() {
	if m == nil {
		return
	}
	m.superseded.Inc()
}

// Reconnect records one scheduled websocket reconnect.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// PushUpdate records one inbound realtime update by kind.
func (m *Metrics) PushUpdate(kind string) {
	if m == nil {
		return
	}
	m.pushUpdates.WithLabelValues(kind).Inc()
}
