package tools

import (
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voicecall/metrics"
	"github.com/bt-bridge/voicecall/shared"
	"go.uber.org/zap"
)

const (
	PlaybackSampleRate = 24000
	PlaybackLookahead  = 50 * time.Millisecond
)

// PlaybackDevice opens an output stream with its own sample clock.
type PlaybackDevice interface {
	Open(sampleRate int) (OutputStream, error)
}

// OutputStream positions are sample counts on the device clock. Schedule
// places samples so that the first one plays at position at.
type OutputStream interface {
	Position() int64
	Resume() error
	Schedule(samples []float32, at int64) error
	Close() error
}

type PlaybackOption func(*PlaybackScheduler)

func WithPlaybackMetrics(m *metrics.Metrics) PlaybackOption {
	return func(s *PlaybackScheduler) {
		s.metrics = m
	}
}

func WithLookahead(d time.Duration) PlaybackOption {
	return func(s *PlaybackScheduler) {
		if d >= 0 {
			s.lookahead = d
		}
	}
}

// PlaybackScheduler lays inbound chunks back to back on the output clock.
// A chunk that arrives after the timeline has drained is re-anchored a short
// lookahead past the current position.
type PlaybackScheduler struct {
	logger    shared.LoggerAdapter
	device    PlaybackDevice
	metrics   *metrics.Metrics
	lookahead time.Duration

	mu          sync.Mutex
	stream      OutputStream
	nextStart   int64
	initialized bool
}

func NewPlaybackScheduler(logger shared.LoggerAdapter, device PlaybackDevice, opts ...PlaybackOption) (*PlaybackScheduler, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if device == nil {
		return nil, shared.ErrNoDevice
	}
	s := &PlaybackScheduler{
		logger:    logger.With(zap.String("component", "playback")),
		device:    device,
		lookahead: PlaybackLookahead,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Play schedules a PCM16 chunk. Failures are logged and the chunk dropped.
func (s *PlaybackScheduler) Play(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		stream, err := s.device.Open(PlaybackSampleRate)
		if err != nil {
			s.drop("open", fmt.Errorf("opening output: %w: %w", shared.ErrDeviceUnavailable, err))
			return
		}
		s.stream = stream
	}
	if err := s.stream.Resume(); err != nil {
		s.drop("resume", fmt.Errorf("resuming output: %w", err))
		return
	}

	samples, err := DecodePCM16(chunk)
	if err != nil {
		s.drop("decode", err)
		return
	}
	if len(samples) == 0 {
		return
	}

	now := s.stream.Position()
	resync := !s.initialized || s.nextStart < now
	if resync {
		s.nextStart = now + int64(FrameSamples(s.lookahead, PlaybackSampleRate, 1))
		s.initialized = true
	}
	if err := s.stream.Schedule(samples, s.nextStart); err != nil {
		// Re-anchor on the next chunk instead of retrying a stale position.
		s.initialized = false
		s.drop("schedule", fmt.Errorf("scheduling at %d: %w", s.nextStart, err))
		return
	}
	s.nextStart += int64(len(samples))
	s.metrics.Scheduled(resync)
	s.logger.Trace("chunk scheduled",
		zap.Int("samples", len(samples)),
		zap.Int64("nextStart", s.nextStart),
		zap.Duration("queued", SamplesDuration(s.nextStart-now, PlaybackSampleRate)),
		zap.Bool("resync", resync),
	)
}

// Stop closes the output and resets the timeline. Safe to call repeatedly.
func (s *PlaybackScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Error("closing output", err)
		}
		s.stream = nil
	}
	s.nextStart = 0
	s.initialized = false
}

// NextStart reports where the next chunk will land, and whether the
// timeline has been anchored yet.
func (s *PlaybackScheduler) NextStart() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart, s.initialized
}

func (s *PlaybackScheduler) drop(reason string, err error) {
	s.metrics.Dropped(reason)
	s.logger.Error("dropping inbound chunk", err, zap.String("reason", reason))
}
