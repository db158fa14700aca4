// Package observability groups the Prometheus instruments exposed by the
// session stack. Construction takes an explicit registerer so callers keep
// control over what gets exported; a nil registerer yields instruments backed
// by a private throwaway registry, which keeps the rest of the stack free of
// metric-presence checks.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Metrics groups all Prometheus instruments used by the session stack.
type Metrics struct {
	RoomsCreated    prometheus.Counter
	RoomsReused     prometheus.Counter
	TokensIssued    prometheus.Counter
	AppEvents       *prometheus.CounterVec
	DuplicateDrops  prometheus.Counter
	TransportErrors *prometheus.CounterVec
	RelayReconnects prometheus.Counter
	Participants    prometheus.Gauge
}

// NewMetrics builds and registers the instrument set. A nil registerer is
// accepted and produces working, unexported instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RoomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Rooms created through the provider.",
		}),
		RoomsReused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_reused_total",
			Help:      "Room requests served from the registry cache or a valid remote room.",
		}),
		TokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Access tokens minted for participants.",
		}),
		AppEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "app_events_total",
			Help:      "Application events emitted by the bridge, by kind.",
		}, []string{"kind"}),
		DuplicateDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_drops_total",
			Help:      "Messages suppressed by cross-channel duplicate detection.",
		}),
		TransportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Transport errors by classification.",
		}, []string{"class"}),
		RelayReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reconnects_total",
			Help:      "Reconnect attempts made by the relay side channel.",
		}),
		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Remote participants currently observed in the room.",
		}),
	}
}

// RecordRoom counts a room acquisition. Safe on a nil receiver.
func (m *Metrics) RecordRoom(reused bool) {
	if m == nil {
		return
	}
	if reused {
		m.RoomsReused.Inc()
		return
	}
	m.RoomsCreated.Inc()
}

// RecordToken counts a minted credential. Safe on a nil receiver.
func (m *Metrics) RecordToken() {
	if m == nil {
		return
	}
	m.TokensIssued.Inc()
}

// RecordAppEvent counts a bridge event by kind. Safe on a nil receiver.
func (m *Metrics) RecordAppEvent(kind string) {
	if m == nil {
		return
	}
	m.AppEvents.WithLabelValues(kind).Inc()
}

// RecordDuplicate counts a suppressed duplicate. Safe on a nil receiver.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateDrops.Inc()
}

// RecordTransportError counts a classified transport error. Safe on a nil
// receiver.
func (m *Metrics) RecordTransportError(class string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(class).Inc()
}

// RecordRelayReconnect counts a relay reconnect attempt. Safe on a nil
// receiver.
func (m *Metrics) RecordRelayReconnect() {
	if m == nil {
		return
	}
	m.RelayReconnects.Inc()
}

// ParticipantJoined bumps the participant gauge. Safe on a nil receiver.
func (m *Metrics) ParticipantJoined() {
	if m == nil {
		return
	}
	m.Participants.Inc()
}

// ParticipantLeft lowers the participant gauge. Safe on a nil receiver.
func (m *Metrics) ParticipantLeft() {
	if m == nil {
		return
	}
	m.Participants.Dec()
}

// MetricsHandler serves the given gatherer over HTTP in the Prometheus text
// format.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
