// Package metrics bundles the prometheus collectors the connection
// container and mediator report through, grouped the way the teacher's
// gateway metrics bundle groups collectors by subsystem.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the collector bundle for one process (either a connection
// container or a mediator).
type Metrics struct {
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	ConnectionRTT     prometheus.Histogram

	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	PacketsDropped  *prometheus.CounterVec

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	Retransmits      *prometheus.CounterVec

	SendBufferBytes     prometheus.Gauge
	ReceiverBufferBytes prometheus.Gauge
	CongestionWindow    prometheus.Gauge

	PunchthroughsTotal *prometheus.CounterVec
	PunchthroughStage  *prometheus.GaugeVec

	MediatorPairs          prometheus.Gauge
	MediatorRateLimited    *prometheus.CounterVec
	MediatorCookiesIssued  prometheus.Counter

	FECShardsEncoded  prometheus.Counter
	FECShardsRepaired prometheus.Counter
	FECShardsLost     prometheus.Counter
}

// New builds a collector bundle registered under namespace/subsystem.
func New(namespace, subsystem string) *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connections_total",
				Help:      "Total number of connections by disconnect reason",
			},
			[]string{"reason"},
		),
		ActiveConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_connections",
				Help:      "Number of currently open connections",
			},
		),
		ConnectionRTT: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connection_rtt_seconds",
				Help:      "Observed round-trip time per RTT sample",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
		),

		PacketsSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "packets_sent_total",
				Help:      "Total number of datagrams sent",
			},
		),
		PacketsReceived: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "packets_received_total",
				Help:      "Total number of datagrams received",
			},
		),
		PacketsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "packets_dropped_total",
				Help:      "Total number of inbound datagrams dropped before dispatch",
			},
			[]string{"reason"}, // reason: interface-mismatch, artificial, malformed
		),

		MessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_sent_total",
				Help:      "Total number of messages sent by channel type",
			},
			[]string{"channel_type"},
		),
		MessagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_received_total",
				Help:      "Total number of messages delivered to the observer by channel type",
			},
			[]string{"channel_type"},
		),
		Retransmits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retransmits_total",
				Help:      "Total number of reliable messages retransmitted",
			},
			[]string{"channel_type"},
		),

		SendBufferBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "send_buffer_bytes",
				Help:      "Bytes currently held in the reliable sender buffer",
			},
		),
		ReceiverBufferBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "receiver_buffer_bytes",
				Help:      "Bytes currently buffered awaiting in-order delivery",
			},
		),
		CongestionWindow: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "congestion_window",
				Help:      "Current congestion window, in messages in flight",
			},
		),

		PunchthroughsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "punchthroughs_total",
				Help:      "Total number of NAT punch-through attempts by outcome",
			},
			[]string{"outcome"}, // outcome: inner, outer, failed
		),
		PunchthroughStage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "punchthrough_stage",
				Help:      "Current punch-through stage for a labeled connection (0=probing,1=inner,2=outer,3=done,4=failed)",
			},
			[]string{"connection"},
		),

		MediatorPairs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "mediator_pairs",
				Help:      "Number of rendezvous pairs currently tracked by the mediator",
			},
		),
		MediatorRateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "mediator_rate_limited_total",
				Help:      "Total number of blind-forwarded messages dropped by the per-pair rate limiter",
			},
			[]string{"pair"},
		),
		MediatorCookiesIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "mediator_cookies_issued_total",
				Help:      "Total number of cookie pairs issued",
			},
		),

		FECShardsEncoded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "fec_shards_encoded_total",
				Help:      "Total number of parity shards generated",
			},
		),
		FECShardsRepaired: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "fec_shards_repaired_total",
				Help:      "Total number of data shards reconstructed from parity",
			},
		),
		FECShardsLost: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "fec_shards_lost_total",
				Help:      "Total number of shard groups that could not be reconstructed",
			},
		),
	}
}

// RecordConnectionClosed records a connection's terminal disconnect
// reason and decrements the active gauge.
func (m *Metrics) RecordConnectionClosed(reason string) {
	m.ConnectionsTotal.WithLabelValues(reason).Inc()
	m.ActiveConnections.Dec()
}

// RecordConnectionOpened increments the active gauge for a newly opened
// connection.
func (m *Metrics) RecordConnectionOpened() {
	m.ActiveConnections.Inc()
}

// RecordRTTSample observes one RTT measurement.
func (m *Metrics) RecordRTTSample(d time.Duration) {
	m.ConnectionRTT.Observe(d.Seconds())
}

// RecordMessageSent records one outbound message on a channel type.
func (m *Metrics) RecordMessageSent(channelType string) {
	m.MessagesSent.WithLabelValues(channelType).Inc()
}

// RecordMessageReceived records one delivered inbound message.
func (m *Metrics) RecordMessageReceived(channelType string) {
	m.MessagesReceived.WithLabelValues(channelType).Inc()
}

// RecordRetransmit records one reliable-message retransmission.
func (m *Metrics) RecordRetransmit(channelType string) {
	m.Retransmits.WithLabelValues(channelType).Inc()
}

// RecordPunchthrough records a punch-through attempt's final outcome.
func (m *Metrics) RecordPunchthrough(outcome string) {
	m.PunchthroughsTotal.WithLabelValues(outcome).Inc()
}
