// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the hub, coordinator and bulk packages.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connections       *prometheus.GaugeVec
	Broadcasts        *prometheus.CounterVec
	DroppedSends      *prometheus.CounterVec
	ReaderConnected   prometheus.Gauge
	HardwareMessages  *prometheus.CounterVec
	RejectedMessages  *prometheus.CounterVec
	Sessions          *prometheus.CounterVec
	SessionDuration   *prometheus.HistogramVec
	Verdicts          *prometheus.CounterVec
	Tickets           *prometheus.CounterVec
	TicketSlotResults *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lanchego", Subsystem: "hub", Name: "connections",
			Help: "Open websocket connections by channel kind.",
		}, []string{"kind"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanchego", Subsystem: "hub", Name: "broadcasts_total",
			Help: "Messages broadcast by channel kind and type.",
		}, []string{"kind", "type"}),
		DroppedSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanchego", Subsystem: "hub", Name: "dropped_sends_total",
			Help: "Connections dropped because their send buffer was full or closed.",
		}, []string{"kind"}),
		ReaderConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lanchego", Subsystem: "reader", Name: "connected",
			Help: "1 when the fingerprint reader reports conectado.",
		}),
		HardwareMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanchego", Subsystem: "reader", Name: "messages_total",
			Help: "Messages received from the hardware agent by type.",
		}, []string{"type"}),
		RejectedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanchego", Subsystem: "hub", Name: "rejected_messages_total",
			Help: "Inbound messages rejected by reason.",
		}, []string{"reason"}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanchego", Subsystem: "coordinator", Name: "sessions_total",
			Help: "Finished hardware sessions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lanchego", Subsystem: "coordinator", Name: "session_duration_seconds",
			Help:    "Time from session start to completion.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"kind"}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanchego", Subsystem: "canteen", Name: "verdicts_total",
			Help: "Withdrawal authorization verdicts.",
		}, []string{"verdict"}),
		Tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanchego", Subsystem: "bulk", Name: "tickets_total",
			Help: "Bulk action tickets by scope and final status.",
		}, []string{"scope", "status"}),
		TicketSlotResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanchego", Subsystem: "bulk", Name: "slot_results_total",
			Help: "Per-slot erase outcomes.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections, m.Broadcasts, m.DroppedSends, m.ReaderConnected,
			m.HardwareMessages, m.RejectedMessages, m.Sessions, m.SessionDuration,
			m.Verdicts, m.Tickets, m.TicketSlotResults,
		)
	}
	return m
}

func (m *Metrics) ConnectionOpened(kind string) {
	if m != nil {
		m.Connections.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ConnectionClosed(kind string) {
	if m != nil {
		m.Connections.WithLabelValues(kind).Dec()
	}
}

func (m *Metrics) Broadcast(kind, typ string) {
	if m != nil {
		m.Broadcasts.WithLabelValues(kind, typ).Inc()
	}
}

func (m *Metrics) Dropped(kind string) {
	if m != nil {
		m.DroppedSends.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Reader(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.ReaderConnected.Set(1)
	} else {
		m.ReaderConnected.Set(0)
	}
}

func (m *Metrics) HardwareMessage(typ string) {
	if m != nil {
		m.HardwareMessages.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.RejectedMessages.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SessionFinished(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(kind, outcome).Inc()
	m.SessionDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) Verdict(v string) {
	if m != nil {
		m.Verdicts.WithLabelValues(v).Inc()
	}
}

func (m *Metrics) Ticket(scope, status string) {
	if m != nil {
		m.Tickets.WithLabelValues(scope, status).Inc()
	}
}

func (m *Metrics) SlotResult(status string) {
	if m != nil {
		m.TicketSlotResults.WithLabelValues(status).Inc()
	}
}
