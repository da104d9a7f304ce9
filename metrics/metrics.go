package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicecall"

// Metrics holds the Prometheus collectors for a call. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Capture
	ChunksCaptured prometheus.Counter
	ChunksWithheld prometheus.Counter
	MicLevel       prometheus.Gauge
	DeviceLost     prometheus.Counter

	// Transport
	EnvelopesSent      *prometheus.CounterVec
	EnvelopesReceived  *prometheus.CounterVec
	MalformedEnvelopes prometheus.Counter
	SendsDropped       *prometheus.CounterVec
	StatusTransitions  *prometheus.CounterVec
	ConnectDuration    prometheus.Histogram

	// Playback
	ChunksScheduled prometheus.Counter
	ChunksDropped   *prometheus.CounterVec
	TimelineResyncs prometheus.Counter

	// Vision
	FramesSent prometheus.Counter
}

// New registers every collector with reg. Pass prometheus.NewRegistry() in
// tests to keep the default registry clean.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_total",
			Help:      "Total number of 4096-sample frames produced by the microphone",
		}),
		ChunksWithheld: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_withheld_total",
			Help:      "Frames not delivered because the microphone was muted",
		}),
		MicLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_level",
			Help:      "Latest microphone level in [0,1]",
		}),
		DeviceLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_device_lost_total",
			Help:      "Times the microphone failed mid-capture",
		}),

		EnvelopesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes written to the channel by type",
		}, []string{"type"}),
		EnvelopesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Envelopes read from the channel by type",
		}, []string{"type"}),
		MalformedEnvelopes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_malformed_total",
			Help:      "Inbound messages discarded as malformed",
		}),
		SendsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_dropped_total",
			Help:      "Outbound payloads dropped because the channel was not open",
		}, []string{"type"}),
		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Call status changes by destination status",
		}, []string{"status"}),
		ConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time spent on successful dials of the session channel",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
		}),

		ChunksScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_scheduled_total",
			Help:      "Inbound chunks placed on the playback timeline",
		}),
		ChunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_dropped_total",
			Help:      "Inbound chunks dropped before playback by reason",
		}, []string{"reason"}),
		TimelineResyncs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_timeline_resyncs_total",
			Help:      "Times the playback timeline was re-anchored to the device clock",
		}),

		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vision_frames_sent_total",
			Help:      "Camera frames sent to the session",
		}),
	}
}

func (m *Metrics) ChunkCaptured(withheld bool) {
	if m == nil {
		return
	}
	m.ChunksCaptured.Inc()
	if withheld {
		m.ChunksWithheld.Inc()
	}
}

func (m *Metrics) Level(v float64) {
	if m == nil {
		return
	}
	m.MicLevel.Set(v)
}

func (m *Metrics) DeviceLostInc() {
	if m == nil {
		return
	}
	m.DeviceLost.Inc()
}

func (m *Metrics) Sent(envelopeType string) {
	if m == nil {
		return
	}
	m.EnvelopesSent.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) Received(envelopeType string) {
	if m == nil {
		return
	}
	m.EnvelopesReceived.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.MalformedEnvelopes.Inc()
}

func (m *Metrics) SendDropped(envelopeType string) {
	if m == nil {
		return
	}
	m.SendsDropped.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) Status(status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Connected(seconds float64) {
	if m == nil {
		return
	}
	m.ConnectDuration.Observe(seconds)
}

func (m *Metrics) Scheduled(resync bool) {
	if m == nil {
		return
	}
	m.ChunksScheduled.Inc()
	if resync {
		m.TimelineResyncs.Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.ChunksDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}
