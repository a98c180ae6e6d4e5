package xconn

import (
	"github.com/gordian-engine/xstream/xframe"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors shared by every adapter of a node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	streamsOpened *prometheus.CounterVec
	streamsEnded  *prometheus.CounterVec
	activeStreams prometheus.Gauge
	pendingOpens  prometheus.Gauge

	framesReceived *prometheus.CounterVec
	bytesSent      prometheus.Counter

	violations  prometheus.Counter
	duplicates  prometheus.Counter
	openTimeout prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const ns, sub = "xstream", "conn"

	m := &Metrics{
		streamsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "streams_opened_total",
			Help: "Streams that completed the handshake, by direction.",
		}, []string{"direction"}),
		streamsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "streams_ended_total",
			Help: "Streams that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "active_streams",
			Help: "Streams currently open or closing.",
		}),
		pendingOpens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "pending_opens",
			Help: "Outbound opens awaiting acknowledgment.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "frames_received_total",
			Help: "Decoded inbound frames, by kind.",
		}, []string{"kind"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "data_bytes_sent_total",
			Help: "Payload bytes written in data frames.",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "protocol_violations_total",
			Help: "Substreams aborted for breaking wire rules.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "duplicate_resolutions_total",
			Help: "Open resolutions that found no pending entry.",
		}),
		openTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "open_timeouts_total",
			Help: "Outbound opens that expired before acknowledgment.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.streamsOpened, m.streamsEnded,
			m.activeStreams, m.pendingOpens,
			m.framesReceived, m.bytesSent,
			m.violations, m.duplicates, m.openTimeout,
		)
	}

	return m
}

func (m *Metrics) streamOpened(d Direction) {
	if m == nil {
		return
	}
	m.streamsOpened.WithLabelValues(d.String()).Inc()
	m.activeStreams.Inc()
}

func (m *Metrics) streamEnded(outcome string) {
	if m == nil {
		return
	}
	m.streamsEnded.WithLabelValues(outcome).Inc()
	m.activeStreams.Dec()
}

func (m *Metrics) pendingDelta(n int) {
	if m == nil {
		return
	}
	m.pendingOpens.Add(float64(n))
}

func (m *Metrics) frameReceived(k xframe.Kind) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) dataSent(n int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) violation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) timedOut(n int) {
	if m == nil {
		return
	}
	m.openTimeout.Add(float64(n))
}
