package server

import (
	"net/http"
	"time"

	"github.com/aeolun/roomrelay/pkg/rooms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server. Each instance owns
// its registry so several servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Room metrics
	activeRooms *prometheus.GaugeVec

	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	broadcastDropped  *prometheus.CounterVec
	broadcastDuration *prometheus.HistogramVec

	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec
	sessionsDisconnected *prometheus.CounterVec

	// Frame metrics
	messagesReceived *prometheus.CounterVec // by frame type
	messagesSent     *prometheus.CounterVec // by frame type
	malformedFrames  prometheus.Counter
	errorsSent       *prometheus.CounterVec // by error text

	// Listener metrics
	listenOverflows prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeRooms: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "roomrelay_active_rooms",
				Help: "Number of live rooms per namespace",
			},
			[]string{"kind"},
		),
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomrelay_broadcast_fanout",
				Help:    "Number of members each broadcast was queued for",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"kind"},
		),
		broadcastDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomrelay_broadcast_dropped_total",
				Help: "Deliveries skipped because the member's queue was full",
			},
			[]string{"kind"},
		),
		broadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomrelay_broadcast_duration_seconds",
				Help:    "Time taken to queue a broadcast for every member of a room",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"kind"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomrelay_active_sessions",
				Help: "Current number of active sessions",
			},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomrelay_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"transport"},
		),
		sessionsDisconnected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomrelay_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
			[]string{"transport"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomrelay_frames_received_total",
				Help: "Total number of frames received from clients by type",
			},
			[]string{"type"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomrelay_frames_sent_total",
				Help: "Total number of direct replies sent to clients by type",
			},
			[]string{"type"},
		),
		malformedFrames: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomrelay_malformed_frames_total",
				Help: "Inbound frames dropped because they could not be decoded",
			},
		),
		errorsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomrelay_errors_sent_total",
				Help: "Error frames sent to clients by reason",
			},
			[]string{"reason"},
		),
		listenOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomrelay_listen_overflows_total",
				Help: "Connections the kernel rejected because the accept queue was full (Linux only)",
			},
		),
	}
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRooms implements rooms.Observer
func (m *Metrics) ObserveRooms(kind rooms.Kind, count int) {
	m.activeRooms.WithLabelValues(kind.String()).Set(float64(count))
}

// ObserveFanout implements rooms.Observer
func (m *Metrics) ObserveFanout(kind rooms.Kind, delivered, dropped int, elapsed time.Duration) {
	label := kind.String()
	m.broadcastFanout.WithLabelValues(label).Observe(float64(delivered))
	if dropped > 0 {
		m.broadcastDropped.WithLabelValues(label).Add(float64(dropped))
	}
	m.broadcastDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected(transport string) {
	m.sessionsDisconnected.WithLabelValues(transport).Inc()
}

// RecordMessageReceived increments the received counter for a frame type
func (m *Metrics) RecordMessageReceived(frameType string) {
	m.messagesReceived.WithLabelValues(frameType).Inc()
}

// RecordMessageSent increments the sent counter for a frame type
func (m *Metrics) RecordMessageSent(frameType string) {
	m.messagesSent.WithLabelValues(frameType).Inc()
}

// RecordMalformedFrame counts an undecodable inbound frame
func (m *Metrics) RecordMalformedFrame() {
	m.malformedFrames.Inc()
}

// RecordErrorSent counts an error frame by its text
func (m *Metrics) RecordErrorSent(reason string) {
	m.errorsSent.WithLabelValues(reason).Inc()
}

// RecordListenOverflows adds connections dropped by a full accept queue
func (m *Metrics) RecordListenOverflows(n uint64) {
	m.listenOverflows.Add(float64(n))
}
