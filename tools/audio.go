package tools

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voicecall/shared"
	"github.com/ebitengine/oto/v3"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"go.uber.org/zap"
)

// MicrophoneSource captures from a local input device via pion/mediadevices.
// A driver package (for example mediadevices/pkg/driver/microphone) must be
// imported by the program for any device to be found.
type MicrophoneSource struct {
	logger   shared.LoggerAdapter
	deviceID string
}

func NewMicrophoneSource(logger shared.LoggerAdapter, deviceID string) *MicrophoneSource {
	return &MicrophoneSource{
		logger:   logger.With(zap.String("component", "microphone")),
		deviceID: deviceID,
	}
}

func (s *MicrophoneSource) Acquire(ctx context.Context, c CaptureConstraints) (CaptureStream, error) {
	// mediadevices has no notion of echo cancellation or noise suppression.
	s.logger.Debug("requesting microphone",
		zap.Int("sampleRate", c.SampleRate),
		zap.Int("channels", c.Channels),
		zap.Bool("echoCancellation", c.EchoCancellation),
		zap.Bool("noiseSuppression", c.NoiseSuppression),
	)
	stream, err := getUserMedia(ctx, mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(c.SampleRate)
			mc.ChannelCount = prop.Int(c.Channels)
			mc.SampleSize = prop.Int(16)
			if s.deviceID != "" {
				mc.DeviceID = prop.String(s.deviceID)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		closeTracks(stream)
		return nil, errors.New("no audio track in microphone stream")
	}
	track, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		closeTracks(stream)
		return nil, fmt.Errorf("unexpected audio track type %T", tracks[0])
	}
	m := &micStream{track: track, reader: track.NewReader(false)}
	m.enabled.Store(true)
	return m, nil
}

type micStream struct {
	track   *mediadevices.AudioTrack
	reader  audio.Reader
	enabled atomic.Bool
	once    sync.Once
}

// Read returns the first channel of the next chunk. A disabled track reads
// as silence, the way a muted browser track does.
func (m *micStream) Read() ([]float32, int, error) {
	chunk, release, err := m.reader.Read()
	if err != nil {
		return nil, 0, err
	}
	if release != nil {
		defer release()
	}
	info := chunk.ChunkInfo()
	if info.Channels < 1 {
		info.Channels = 1
	}
	out := make([]float32, info.Len)
	switch a := chunk.(type) {
	case *wave.Int16Interleaved:
		for i := range out {
			out[i] = float32(a.Data[i*info.Channels]) / 32768
		}
	case *wave.Float32Interleaved:
		for i := range out {
			out[i] = a.Data[i*info.Channels]
		}
	default:
		return nil, 0, fmt.Errorf("unsupported sample format %T", chunk)
	}
	if !m.enabled.Load() {
		clear(out)
	}
	return out, info.SamplingRate, nil
}

func (m *micStream) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

func (m *micStream) Enabled() bool {
	return m.enabled.Load()
}

func (m *micStream) Release() error {
	var err error
	m.once.Do(func() {
		err = m.track.Close()
	})
	return err
}

// getUserMedia bounds the blocking device request by ctx. Tracks granted
// after ctx is done are closed.
func getUserMedia(ctx context.Context, constraints mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(constraints)
		done <- result{stream: stream, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				closeTracks(r.stream)
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		return r.stream, r.err
	}
}

func closeTracks(stream mediadevices.MediaStream) {
	for _, t := range stream.GetTracks() {
		_ = t.Close()
	}
}

// DeviceInfo describes a capture device known to mediadevices.
type DeviceInfo struct {
	ID    string
	Kind  string
	Label string
}

func ListDevices() []DeviceInfo {
	var out []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		kind := "other"
		switch d.Kind {
		case mediadevices.AudioInput:
			kind = "audioinput"
		case mediadevices.VideoInput:
			kind = "videoinput"
		}
		out = append(out, DeviceInfo{ID: d.DeviceID, Kind: kind, Label: d.Label})
	}
	return out
}

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

// sharedOtoContext creates the process-wide oto context on first use. oto
// allows only one, so every later Open must ask for the same rate.
func sharedOtoContext(sampleRate int, bufferSize time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   bufferSize,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx, otoRate = ctx, sampleRate
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("output already opened at %d Hz, asked for %d Hz", otoRate, sampleRate)
	}
	return otoCtx, nil
}

// SpeakerDevice plays through the default output via oto.
type SpeakerDevice struct {
	logger     shared.LoggerAdapter
	bufferSize time.Duration
}

func NewSpeakerDevice(logger shared.LoggerAdapter, bufferSize time.Duration) *SpeakerDevice {
	return &SpeakerDevice{
		logger:     logger.With(zap.String("component", "speaker")),
		bufferSize: bufferSize,
	}
}

func (d *SpeakerDevice) Open(sampleRate int) (OutputStream, error) {
	ctx, err := sharedOtoContext(sampleRate, d.bufferSize)
	if err != nil {
		return nil, err
	}
	tl := &Timeline{}
	player := ctx.NewPlayer(tl)
	// The player reads ahead of the speaker by its buffer; keep that short so
	// scheduled audio is not held back by a long run of prefetched silence.
	if d.bufferSize > 0 {
		player.SetBufferSize(FrameSamples(d.bufferSize, sampleRate, 1) * 4)
	}
	player.Play()
	d.logger.Info("output opened", zap.Int("sampleRate", sampleRate), zap.Duration("buffer", d.bufferSize))
	return &timelineStream{
		timeline: tl,
		resume:   ctx.Resume,
		close:    player.Close,
	}, nil
}

// timelineStream is an OutputStream over a Timeline drained by a player.
// Its position is the Timeline read head, the earliest sample that can still
// be scheduled; the player's own buffer adds a fixed delay after that.
type timelineStream struct {
	timeline *Timeline
	resume   func() error
	close    func() error
}

func (s *timelineStream) Position() int64 {
	return s.timeline.Emitted()
}

func (s *timelineStream) Resume() error {
	if s.resume == nil {
		return nil
	}
	return s.resume()
}

func (s *timelineStream) Schedule(samples []float32, at int64) error {
	return s.timeline.Schedule(samples, at)
}

func (s *timelineStream) Close() error {
	s.timeline.Close()
	if s.close == nil {
		return nil
	}
	return s.close()
}

type segment struct {
	at      int64
	samples []float32
}

// Timeline is an io.Reader of mono float32 little-endian samples in which
// audio is placed at absolute sample positions. Unscheduled positions read as
// silence, so the reader never blocks and the output clock keeps running.
type Timeline struct {
	mu       sync.Mutex
	emitted  int64
	segments []segment
	closed   bool
}

var ErrScheduledInPast = errors.New("scheduled before the read position")

// Schedule places samples to start at position at. Overlapping audio mixes.
func (t *Timeline) Schedule(samples []float32, at int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	if at+int64(len(samples)) <= t.emitted {
		return fmt.Errorf("segment at %d: %w", at, ErrScheduledInPast)
	}
	t.segments = append(t.segments, segment{at: at, samples: samples})
	return nil
}

// Emitted is the number of samples read so far.
func (t *Timeline) Emitted() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emitted
}

func (t *Timeline) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.EOF
	}
	n := len(p) / 4
	if n == 0 {
		return 0, nil
	}
	start, end := t.emitted, t.emitted+int64(n)
	mix := make([]float32, n)
	kept := t.segments[:0]
	for _, seg := range t.segments {
		segEnd := seg.at + int64(len(seg.samples))
		lo, hi := max(seg.at, start), min(segEnd, end)
		for pos := lo; pos < hi; pos++ {
			mix[pos-start] += seg.samples[pos-seg.at]
		}
		if segEnd > end {
			kept = append(kept, seg)
		}
	}
	clear(t.segments[len(kept):])
	t.segments = kept

	for i, v := range mix {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
	}
	t.emitted = end
	return n * 4, nil
}

func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.segments = nil
}
