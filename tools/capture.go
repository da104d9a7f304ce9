package tools

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voicecall/metrics"
	"github.com/bt-bridge/voicecall/shared"
	"go.uber.org/zap"
)

const (
	CaptureSampleRate   = 16000
	CaptureFrameSamples = 4096
	MeterInterval       = time.Second / 60
)

// CaptureConstraints is what the pipeline asks of the microphone.
type CaptureConstraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// CaptureSource grants access to a microphone. Acquire may block on a
// permission prompt; ctx bounds it.
type CaptureSource interface {
	Acquire(ctx context.Context, constraints CaptureConstraints) (CaptureStream, error)
}

// CaptureStream is a granted microphone. Read blocks for the next block of
// mono samples and reports the rate they were captured at. Release must
// unblock a pending Read.
type CaptureStream interface {
	Read() ([]float32, int, error)
	SetEnabled(enabled bool)
	Enabled() bool
	Release() error
}

type CaptureOption func(*CapturePipeline)

func WithCaptureMetrics(m *metrics.Metrics) CaptureOption {
	return func(p *CapturePipeline) {
		p.metrics = m
	}
}

func WithFrameSamples(n int) CaptureOption {
	return func(p *CapturePipeline) {
		if n > 0 {
			p.frameSamples = n
		}
	}
}

func WithMeterInterval(d time.Duration) CaptureOption {
	return func(p *CapturePipeline) {
		if d > 0 {
			p.meterInterval = d
		}
	}
}

// CapturePipeline turns microphone samples into 16 kHz PCM16 frames and keeps
// a running input level.
type CapturePipeline struct {
	logger        shared.LoggerAdapter
	source        CaptureSource
	metrics       *metrics.Metrics
	analyser      *Analyser
	frameSamples  int
	meterInterval time.Duration

	mu            sync.Mutex
	stream        CaptureStream
	cancel        context.CancelFunc
	starting      bool
	cancelAcquire context.CancelFunc
	gen           uint64
	level         float64
	muted         atomic.Bool

	// cbMu serialises every callback so Stop can wait out an in-flight one.
	cbMu    sync.Mutex
	onLevel func(float64)
	onLost  func(error)
}

func NewCapturePipeline(logger shared.LoggerAdapter, source CaptureSource, opts ...CaptureOption) (*CapturePipeline, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if source == nil {
		return nil, shared.ErrNoSource
	}
	p := &CapturePipeline{
		logger:        logger.With(zap.String("component", "capture")),
		source:        source,
		analyser:      NewAnalyser(),
		frameSamples:  CaptureFrameSamples,
		meterInterval: MeterInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start acquires the microphone and begins delivering frames to onChunk
// from a pipeline goroutine. onChunk must not call back into the pipeline.
// A Stop during acquisition cancels the device request, releases anything
// granted anyway, and Start returns context.Canceled.
func (p *CapturePipeline) Start(ctx context.Context, onChunk func([]byte)) error {
	p.mu.Lock()
	if p.stream != nil || p.starting {
		p.mu.Unlock()
		return shared.ErrCaptureAlreadyRunning
	}
	acquireCtx, cancelAcquire := context.WithCancel(ctx)
	defer cancelAcquire()
	p.starting = true
	p.cancelAcquire = cancelAcquire
	gen := p.gen
	p.mu.Unlock()

	stream, err := p.source.Acquire(acquireCtx, CaptureConstraints{
		SampleRate:       CaptureSampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.starting = false
	p.cancelAcquire = nil
	if p.gen != gen {
		if err == nil {
			if rerr := stream.Release(); rerr != nil {
				p.logger.Error("releasing microphone", rerr)
			}
		}
		return fmt.Errorf("capture stopped while acquiring: %w", context.Canceled)
	}
	if err != nil {
		return fmt.Errorf("acquiring microphone: %w: %w", shared.ErrDeviceUnavailable, err)
	}
	stream.SetEnabled(!p.muted.Load())

	runCtx, cancel := context.WithCancel(context.Background())
	p.stream = stream
	p.cancel = cancel
	p.analyser.Reset()

	go p.readLoop(runCtx, stream, onChunk)
	go p.meterLoop(runCtx)

	p.logger.Info("capture started", zap.Int("frameSamples", p.frameSamples))
	return nil
}

// Stop releases the microphone. It is idempotent, and once it returns no
// onChunk call is running or will run.
func (p *CapturePipeline) Stop() {
	p.mu.Lock()
	stream := p.stream
	if p.starting {
		p.gen++
		p.cancelAcquire()
	}
	p.mu.Unlock()
	p.stop(stream)
}

func (p *CapturePipeline) stop(stream CaptureStream) {
	p.mu.Lock()
	if stream == nil || p.stream != stream {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.stream = nil
	p.cancel = nil
	p.level = 0
	p.mu.Unlock()

	// Wait out a callback that started before cancel.
	p.cbMu.Lock()
	p.cbMu.Unlock()

	if err := stream.Release(); err != nil {
		p.logger.Error("releasing microphone", err)
	}
	p.metrics.Level(0)
	p.logger.Info("capture stopped")
}

// ToggleMute flips the mute flag and returns the new value. The level meter
// keeps running while muted.
func (p *CapturePipeline) ToggleMute() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	muted := !p.muted.Load()
	p.muted.Store(muted)
	if p.stream != nil {
		p.stream.SetEnabled(!muted)
	}
	return muted
}

func (p *CapturePipeline) Muted() bool {
	return p.muted.Load()
}

func (p *CapturePipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// Level is the latest metered input level in [0,1].
func (p *CapturePipeline) Level() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// OnLevel registers the level handler. Last registration wins.
func (p *CapturePipeline) OnLevel(fn func(float64)) {
	p.cbMu.Lock()
	p.onLevel = fn
	p.cbMu.Unlock()
}

// OnDeviceLost registers the handler for a microphone that fails mid-capture.
// Last registration wins.
func (p *CapturePipeline) OnDeviceLost(fn func(error)) {
	p.cbMu.Lock()
	p.onLost = fn
	p.cbMu.Unlock()
}

func (p *CapturePipeline) readLoop(ctx context.Context, stream CaptureStream, onChunk func([]byte)) {
	pending := make([]float32, 0, p.frameSamples*2)
	for {
		samples, rate, err := stream.Read()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.deviceLost(stream, fmt.Errorf("reading microphone: %w: %w", shared.ErrDeviceUnavailable, err))
			return
		}
		if rate != CaptureSampleRate {
			samples = ResampleLinear(samples, rate, CaptureSampleRate)
		}
		p.analyser.Write(samples)

		pending = append(pending, samples...)
		off := 0
		for len(pending)-off >= p.frameSamples {
			p.deliver(ctx, onChunk, pending[off:off+p.frameSamples])
			off += p.frameSamples
		}
		pending = append(pending[:0], pending[off:]...)
	}
}

func (p *CapturePipeline) deliver(ctx context.Context, onChunk func([]byte), frame []float32) {
	muted := p.muted.Load()
	p.metrics.ChunkCaptured(muted)
	if muted {
		return
	}
	chunk := EncodePCM16(frame)

	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	if ctx.Err() != nil || onChunk == nil {
		return
	}
	onChunk(chunk)
}

func (p *CapturePipeline) meterLoop(ctx context.Context) {
	ticker := time.NewTicker(p.meterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		level := p.analyser.Level()

		p.mu.Lock()
		if ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		p.level = level
		p.mu.Unlock()
		p.metrics.Level(level)

		p.cbMu.Lock()
		if fn := p.onLevel; fn != nil && ctx.Err() == nil {
			fn(level)
		}
		p.cbMu.Unlock()
	}
}

func (p *CapturePipeline) deviceLost(stream CaptureStream, err error) {
	p.logger.Error("microphone lost", err)
	p.metrics.DeviceLostInc()
	p.stop(stream)

	p.cbMu.Lock()
	fn := p.onLost
	p.cbMu.Unlock()
	if fn != nil {
		fn(err)
	}
}
