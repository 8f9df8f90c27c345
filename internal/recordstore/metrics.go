package recordstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects gateway-level counters and gauges.
// A nil *Metrics is valid and records nothing, so tests can skip registration.
type Metrics struct {
	Connections prometheus.Gauge
	Ops         *prometheus.CounterVec
	OpErrors    *prometheus.CounterVec
	Snapshots   prometheus.Counter
}

// NewMetrics registers gateway metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "lectern",
			Subsystem: "recordstore",
			Name:      "connections",
			Help:      "Currently connected websocket sessions.",
		}),
		Ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lectern",
			Subsystem: "recordstore",
			Name:      "ops_total",
			Help:      "Document operations received, by type.",
		}, []string{"type"}),
		OpErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lectern",
			Subsystem: "recordstore",
			Name:      "op_errors_total",
			Help:      "Document operations that failed, by error code.",
		}, []string{"code"}),
		Snapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: "lectern",
			Subsystem: "recordstore",
			Name:      "snapshots_total",
			Help:      "Collection snapshots broadcast to subscribers.",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) opReceived(typ string) {
	if m != nil {
		m.Ops.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) opFailed(code string) {
	if m != nil {
		m.OpErrors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) snapshotSent() {
	if m != nil {
		m.Snapshots.Inc()
	}
}
