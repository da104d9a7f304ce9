package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ChunkCaptured(true)
		m.Level(0.5)
		m.DeviceLostInc()
		m.Sent("audio")
		m.Received("audio")
		m.Malformed()
		m.SendDropped("image")
		m.Status("ended")
		m.Connected(0.1)
		m.Scheduled(true)
		m.Dropped("decode")
		m.FrameSent()
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ChunkCaptured(false)
	m.ChunkCaptured(true)
	m.ChunkCaptured(true)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChunksCaptured))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksWithheld))

	m.Sent("audio")
	m.Sent("audio")
	m.Sent("end_call")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EnvelopesSent.WithLabelValues("audio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesSent.WithLabelValues("end_call")))

	m.Scheduled(true)
	m.Scheduled(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksScheduled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TimelineResyncs))

	m.Level(0.25)
	assert.Equal(t, 0.25, testutil.ToFloat64(m.MicLevel))

	m.Status("ringing")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatusTransitions.WithLabelValues("ringing")))
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
