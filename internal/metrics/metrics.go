// ABOUTME: Prometheus collectors for ingestion, reconciliation and fan-out
// ABOUTME: All record methods are nil-safe so components run without metrics

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Merge outcomes
const (
	OutcomeInserted  = "inserted"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	merges            *prometheus.CounterVec
	webhookEvents     *prometheus.CounterVec
	reconcilePasses   *prometheus.CounterVec
	reconcileErrors   prometheus.Counter
	reconcileDuration prometheus.Histogram
	connections       prometheus.Gauge
	deliveries        *prometheus.CounterVec
	pendingSends      *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_merges_total",
			Help:      "Message merge attempts by ingestion source and outcome.",
		}, []string{"source", "outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by event and outcome.",
		}, []string{"event", "outcome"}),
		reconcilePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		reconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_item_errors_total",
			Help:      "Per-conversation and per-item reconciliation errors.",
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_pass_duration_seconds",
			Help:      "Duration of full reconciliation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Live push connections held by the broadcaster.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_deliveries_total",
			Help:      "Push event writes by result (delivered, dropped).",
		}, []string{"result"}),
		pendingSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_sends_total",
			Help:      "Pending send transitions by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.merges,
		m.webhookEvents,
		m.reconcilePasses,
		m.reconcileErrors,
		m.reconcileDuration,
		m.connections,
		m.deliveries,
		m.pendingSends,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Merge(source, outcome string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) WebhookEvent(event, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) ReconcilePass(result string, d time.Duration, itemErrors int) {
	if m == nil {
		return
	}
	m.reconcilePasses.WithLabelValues(result).Inc()
	m.reconcileDuration.Observe(d.Seconds())
	m.reconcileErrors.Add(float64(itemErrors))
}

func (m *Metrics) Connections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) PendingSend(outcome string) {
	if m == nil {
		return
	}
	m.pendingSends.WithLabelValues(outcome).Inc()
}
