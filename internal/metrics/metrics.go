// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"feeder-gateway/internal/model"
)

const namespace = "feeder_gateway"

// Metrics holds the gateway's prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectionState prometheus.Gauge
	probeAttempts   *prometheus.CounterVec
	linkLosses      *prometheus.CounterVec
	lines           *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandLatency  prometheus.Histogram
	queueDepth      prometheus.Gauge
	snapshots       prometheus.Counter
	subscriberDrops prometheus.Counter
	mirrorWrites    *prometheus.CounterVec
	unknownChannels prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Link state: 0 disconnected, 1 probing, 2 connected.",
		}),
		probeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_attempts_total",
			Help:      "Probe cycles by result.",
		}, []string{"result"}),
		linkLosses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_losses_total",
			Help:      "Transitions out of the connected state by reason.",
		}, []string{"reason"}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "Inbound device lines by decoded kind.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Resolved control requests by outcome status.",
		}, []string{"status"}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Time from submission to resolution of dispatched commands.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "command_queue_depth",
			Help:      "Control requests waiting for the link.",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_published_total",
			Help:      "Snapshots handed to the fan-out publisher.",
		}),
		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_drops_total",
			Help:      "Snapshots discarded for slow subscribers.",
		}),
		mirrorWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_writes_total",
			Help:      "Cloud mirror writes by kind and result.",
		}, []string{"kind", "result"}),
		unknownChannels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_channels_total",
			Help:      "Telemetry fields with no canonical channel.",
		}),
	}

	reg.MustRegister(
		m.connectionState,
		m.probeAttempts,
		m.linkLosses,
		m.lines,
		m.commands,
		m.commandLatency,
		m.queueDepth,
		m.snapshots,
		m.subscriberDrops,
		m.mirrorWrites,
		m.unknownChannels,
	)
	return m
}

// SetConnectionState records the supervisor state
func (m *Metrics) SetConnectionState(state model.LinkState) {
	if m == nil {
		return
	}
	switch state {
	case model.LinkStateProbing:
		m.connectionState.Set(1)
	case model.LinkStateConnected:
		m.connectionState.Set(2)
	default:
		m.connectionState.Set(0)
	}
}

// ProbeAttempt counts one probe cycle; result is connected, absent or failed
func (m *Metrics) ProbeAttempt(result string) {
	if m == nil {
		return
	}
	m.probeAttempts.WithLabelValues(result).Inc()
}

// LinkLoss counts one loss of the connected state
func (m *Metrics) LinkLoss(reason string) {
	if m == nil {
		return
	}
	m.linkLosses.WithLabelValues(reason).Inc()
}

// Line counts one inbound line; kind is telemetry, ack or unrecognized
func (m *Metrics) Line(kind string) {
	if m == nil {
		return
	}
	m.lines.WithLabelValues(kind).Inc()
}

// CommandResolved records a resolved control request
func (m *Metrics) CommandResolved(status model.OutcomeStatus, latency time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(string(status)).Inc()
	if latency > 0 {
		m.commandLatency.Observe(latency.Seconds())
	}
}

// SetQueueDepth records the number of queued requests
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// SnapshotPublished counts one published snapshot
func (m *Metrics) SnapshotPublished() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

// SubscriberDrop counts one snapshot discarded for a slow subscriber
func (m *Metrics) SubscriberDrop() {
	if m == nil {
		return
	}
	m.subscriberDrops.Inc()
}

// MirrorWrite records one mirror write; kind is snapshot or outcome
func (m *Metrics) MirrorWrite(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mirrorWrites.WithLabelValues(kind, result).Inc()
}

// UnknownChannels counts telemetry fields with no canonical mapping
func (m *Metrics) UnknownChannels(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.unknownChannels.Add(float64(n))
}
