// Package metrics provides Prometheus instrumentation for the coordinator.
//
// Every Metrics value owns its registry so several instances (tests, embedded
// use) never collide on registration. All recording methods are safe on a nil
// receiver.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Terminal protocol
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	MessagesReceived    *prometheus.CounterVec
	MessagesSent        *prometheus.CounterVec
	ProtocolErrors      *prometheus.CounterVec
	HeartbeatLatency    prometheus.Histogram

	// Coordination
	ActionsExecuted  *prometheus.CounterVec
	ActionsIgnored   *prometheus.CounterVec
	LocksHeld        prometheus.Gauge
	StaleLocks       prometheus.Counter
	TriggerCascades  *prometheus.CounterVec
	ExecutionLatency prometheus.Histogram

	// Trail
	TrailMonitors    prometheus.Gauge
	TrailFires       *prometheus.CounterVec
	TickEvalDuration prometheus.Histogram

	// Reconciliation
	Conflicts *prometheus.CounterVec

	// Delivery queue
	QueueDepth      *prometheus.GaugeVec
	DeliveryResults *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered on a fresh
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "hedgecoord"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "connections_active",
			Help:      "Number of registered terminal connections",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "connections_total",
			Help:      "Total number of accepted terminal connections",
		}),
		ConnectionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "connections_rejected_total",
			Help:      "Terminal connections rejected at handshake, by reason",
		}, []string{"reason"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "messages_received_total",
			Help:      "Inbound terminal messages by type",
		}, []string{"type"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "messages_sent_total",
			Help:      "Outbound terminal messages by type",
		}, []string{"type"}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "protocol_errors_total",
			Help:      "Dropped or failed terminal messages by kind",
		}, []string{"kind"}),
		HeartbeatLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "heartbeat_latency_seconds",
			Help:      "Round trip time between PING and PONG",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}),

		ActionsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actionsync",
			Name:      "actions_executed_total",
			Help:      "Actions executed by type and result",
		}, []string{"type", "result"}),
		ActionsIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actionsync",
			Name:      "actions_ignored_total",
			Help:      "Action notifications ignored, by reason",
		}, []string{"reason"}),
		LocksHeld: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "actionsync",
			Name:      "locks_held",
			Help:      "Action execution locks currently held",
		}),
		StaleLocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actionsync",
			Name:      "stale_locks_recovered_total",
			Help:      "Execution locks released by the staleness sweep",
		}),
		TriggerCascades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actionsync",
			Name:      "trigger_actions_total",
			Help:      "Triggered follow-up actions by result",
		}, []string{"result"}),
		ExecutionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "actionsync",
			Name:      "execution_duration_seconds",
			Help:      "Time from lock acquisition to command send result",
			Buckets:   prometheus.DefBuckets,
		}),

		TrailMonitors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trail",
			Name:      "monitors_active",
			Help:      "Positions currently watched by the trail engine",
		}),
		TrailFires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trail",
			Name:      "fires_total",
			Help:      "Trail triggers fired, by cause",
		}, []string{"cause"}),
		TickEvalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trail",
			Name:      "tick_evaluation_seconds",
			Help:      "Time spent evaluating one price tick",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .002, .005, .01},
		}),

		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "conflicts_total",
			Help:      "Conflicts resolved by type and winning source",
		}, []string{"type", "winner"}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "queue_depth",
			Help:      "Delivery queue items by state",
		}, []string{"state"}),
		DeliveryResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by item kind and result",
		}, []string{"kind", "result"}),
	}
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ---------------------------------------------------------------------------
// Nil-safe recorders.
// ---------------------------------------------------------------------------

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) ProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveHeartbeat(seconds float64) {
	if m == nil {
		return
	}
	m.HeartbeatLatency.Observe(seconds)
}

func (m *Metrics) ActionExecuted(actionType, result string, seconds float64) {
	if m == nil {
		return
	}
	m.ActionsExecuted.WithLabelValues(actionType, result).Inc()
	m.ExecutionLatency.Observe(seconds)
}

func (m *Metrics) ActionIgnored(reason string) {
	if m == nil {
		return
	}
	m.ActionsIgnored.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetLocksHeld(n int) {
	if m == nil {
		return
	}
	m.LocksHeld.Set(float64(n))
}

func (m *Metrics) StaleLocksRecovered(n int) {
	if m == nil {
		return
	}
	m.StaleLocks.Add(float64(n))
}

func (m *Metrics) TriggerAction(result string) {
	if m == nil {
		return
	}
	m.TriggerCascades.WithLabelValues(result).Inc()
}

func (m *Metrics) SetTrailMonitors(n int) {
	if m == nil {
		return
	}
	m.TrailMonitors.Set(float64(n))
}

func (m *Metrics) TrailFired(cause string) {
	if m == nil {
		return
	}
	m.TrailFires.WithLabelValues(cause).Inc()
}

func (m *Metrics) ObserveTickEval(seconds float64) {
	if m == nil {
		return
	}
	m.TickEvalDuration.Observe(seconds)
}

func (m *Metrics) ConflictResolved(conflictType, winner string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(conflictType, winner).Inc()
}

func (m *Metrics) SetQueueDepth(pending, delayed, inflight, dead int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("ready").Set(float64(pending))
	m.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	m.QueueDepth.WithLabelValues("inflight").Set(float64(inflight))
	m.QueueDepth.WithLabelValues("dead").Set(float64(dead))
}

func (m *Metrics) DeliveryAttempt(kind, result string) {
	if m == nil {
		return
	}
	m.DeliveryResults.WithLabelValues(kind, result).Inc()
}
