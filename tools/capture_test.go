package tools

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/voicecall/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMicUnplugged = errors.New("mic unplugged")

type fakeStream struct {
	rate    int
	samples chan []float32
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	enabled  bool
	released int
}

func newFakeStream(rate int) *fakeStream {
	return &fakeStream{
		rate:    rate,
		samples: make(chan []float32, 64),
		done:    make(chan struct{}),
		enabled: true,
	}
}

func (f *fakeStream) Read() ([]float32, int, error) {
	select {
	case s, ok := <-f.samples:
		if !ok {
			return nil, 0, errMicUnplugged
		}
		return s, f.rate, nil
	case <-f.done:
		return nil, 0, io.EOF
	}
}

func (f *fakeStream) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *fakeStream) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeStream) Release() error {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeStream) Released() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeSource struct {
	stream      *fakeStream
	err         error
	gate        chan struct{}
	ignoreCtx   bool
	constraints CaptureConstraints
}

func (f *fakeSource) Acquire(ctx context.Context, c CaptureConstraints) (CaptureStream, error) {
	f.constraints = c
	if f.gate != nil && f.ignoreCtx {
		<-f.gate
	} else if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func newTestPipeline(t *testing.T, src CaptureSource, opts ...CaptureOption) *CapturePipeline {
	t.Helper()
	p, err := NewCapturePipeline(shared.NewNopLogger(), src, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

func chunkSink() (func([]byte), chan []byte) {
	ch := make(chan []byte, 16)
	return func(b []byte) { ch <- b }, ch
}

func receiveChunk(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(time.Second):
		t.Fatal("no chunk delivered")
		return nil
	}
}

func TestNewCapturePipelineRequiresCollaborators(t *testing.T) {
	_, err := NewCapturePipeline(nil, &fakeSource{})
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewCapturePipeline(shared.NewNopLogger(), nil)
	assert.ErrorIs(t, err, shared.ErrNoSource)
}

func TestCaptureStartFailureHoldsNothing(t *testing.T) {
	p := newTestPipeline(t, &fakeSource{err: errors.New("permission denied")})

	err := p.Start(context.Background(), func([]byte) {})
	assert.ErrorIs(t, err, shared.ErrDeviceUnavailable)
	assert.False(t, p.Capturing())
	assert.Equal(t, 0.0, p.Level())
}

func TestCaptureRequestsConstraints(t *testing.T) {
	src := &fakeSource{stream: newFakeStream(CaptureSampleRate)}
	p := newTestPipeline(t, src)
	require.NoError(t, p.Start(context.Background(), func([]byte) {}))

	assert.Equal(t, CaptureConstraints{
		SampleRate:       16000,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
	}, src.constraints)
}

func TestCaptureFramesAcrossReads(t *testing.T) {
	stream := newFakeStream(CaptureSampleRate)
	p := newTestPipeline(t, &fakeSource{stream: stream})
	sink, chunks := chunkSink()
	require.NoError(t, p.Start(context.Background(), sink))

	stream.samples <- make([]float32, 3000)
	stream.samples <- make([]float32, 3000)
	chunk := receiveChunk(t, chunks)
	assert.Len(t, chunk, 8192)

	stream.samples <- make([]float32, 2192)
	chunk = receiveChunk(t, chunks)
	assert.Len(t, chunk, 8192)
}

func TestCaptureResamplesToSixteenKilohertz(t *testing.T) {
	stream := newFakeStream(48000)
	p := newTestPipeline(t, &fakeSource{stream: stream})
	sink, chunks := chunkSink()
	require.NoError(t, p.Start(context.Background(), sink))

	stream.samples <- make([]float32, 3*CaptureFrameSamples)
	chunk := receiveChunk(t, chunks)
	assert.Len(t, chunk, CaptureFrameSamples*2)
}

func TestCaptureSecondStartRejected(t *testing.T) {
	p := newTestPipeline(t, &fakeSource{stream: newFakeStream(CaptureSampleRate)})
	require.NoError(t, p.Start(context.Background(), func([]byte) {}))

	err := p.Start(context.Background(), func([]byte) {})
	assert.ErrorIs(t, err, shared.ErrCaptureAlreadyRunning)
}

func TestCaptureMuteWithholdsChunks(t *testing.T) {
	stream := newFakeStream(CaptureSampleRate)
	p := newTestPipeline(t, &fakeSource{stream: stream})
	sink, chunks := chunkSink()
	require.NoError(t, p.Start(context.Background(), sink))

	assert.True(t, p.ToggleMute())
	assert.True(t, p.Muted())
	assert.False(t, stream.Enabled())

	stream.samples <- make([]float32, CaptureFrameSamples)
	select {
	case <-chunks:
		t.Fatal("chunk delivered while muted")
	case <-time.After(50 * time.Millisecond):
	}

	assert.False(t, p.ToggleMute())
	assert.True(t, stream.Enabled())
	stream.samples <- make([]float32, CaptureFrameSamples)
	assert.Len(t, receiveChunk(t, chunks), 8192)
}

func TestCaptureMuteBeforeStartCarriesOver(t *testing.T) {
	stream := newFakeStream(CaptureSampleRate)
	p := newTestPipeline(t, &fakeSource{stream: stream})

	assert.True(t, p.ToggleMute())
	require.NoError(t, p.Start(context.Background(), func([]byte) {}))
	assert.False(t, stream.Enabled())
}

func TestCaptureStopIsIdempotent(t *testing.T) {
	stream := newFakeStream(CaptureSampleRate)
	p := newTestPipeline(t, &fakeSource{stream: stream})
	sink, chunks := chunkSink()
	require.NoError(t, p.Start(context.Background(), sink))

	p.Stop()
	p.Stop()
	assert.False(t, p.Capturing())
	assert.Equal(t, 0.0, p.Level())
	assert.Equal(t, 1, stream.Released())

	stream.samples <- make([]float32, CaptureFrameSamples)
	select {
	case <-chunks:
		t.Fatal("chunk delivered after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCaptureStopWaitsForInFlightChunk(t *testing.T) {
	stream := newFakeStream(CaptureSampleRate)
	p := newTestPipeline(t, &fakeSource{stream: stream})

	entered := make(chan struct{})
	unblock := make(chan struct{})
	require.NoError(t, p.Start(context.Background(), func([]byte) {
		close(entered)
		<-unblock
	}))
	stream.samples <- make([]float32, CaptureFrameSamples)
	<-entered

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a chunk was being delivered")
	case <-time.After(50 * time.Millisecond):
	}
	close(unblock)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
}

func TestCaptureStopDuringAcquire(t *testing.T) {
	stream := newFakeStream(CaptureSampleRate)
	src := &fakeSource{stream: stream, gate: make(chan struct{})}
	p := newTestPipeline(t, src)

	errc := make(chan error, 1)
	go func() { errc <- p.Start(context.Background(), func([]byte) {}) }()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.starting
	}, time.Second, time.Millisecond)
	p.Stop()

	// The pending device request is abandoned without waiting for a grant.
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, shared.ErrDeviceUnavailable)
	case <-time.After(time.Second):
		t.Fatal("start did not return after stop")
	}
	assert.False(t, p.Capturing())
	assert.Zero(t, stream.Released())
}

func TestCaptureStopDuringAcquireReleasesLateGrant(t *testing.T) {
	stream := newFakeStream(CaptureSampleRate)
	src := &fakeSource{stream: stream, gate: make(chan struct{}), ignoreCtx: true}
	p := newTestPipeline(t, src)

	errc := make(chan error, 1)
	go func() { errc <- p.Start(context.Background(), func([]byte) {}) }()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.starting
	}, time.Second, time.Millisecond)
	p.Stop()
	close(src.gate)

	err := <-errc
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, p.Capturing())
	assert.Equal(t, 1, stream.Released())
}

func TestCaptureDeviceLost(t *testing.T) {
	stream := newFakeStream(CaptureSampleRate)
	p := newTestPipeline(t, &fakeSource{stream: stream})

	lost := make(chan error, 1)
	p.OnDeviceLost(func(err error) { lost <- err })
	require.NoError(t, p.Start(context.Background(), func([]byte) {}))

	close(stream.samples)
	select {
	case err := <-lost:
		assert.ErrorIs(t, err, shared.ErrDeviceUnavailable)
		assert.ErrorIs(t, err, errMicUnplugged)
	case <-time.After(time.Second):
		t.Fatal("device loss not reported")
	}
	assert.False(t, p.Capturing())
}

func TestCaptureLevelMetering(t *testing.T) {
	stream := newFakeStream(CaptureSampleRate)
	p := newTestPipeline(t, &fakeSource{stream: stream}, WithMeterInterval(2*time.Millisecond))

	levels := make(chan float64, 256)
	p.OnLevel(func(v float64) {
		select {
		case levels <- v:
		default:
		}
	})
	require.NoError(t, p.Start(context.Background(), func([]byte) {}))
	assert.True(t, p.ToggleMute())

	stream.samples <- sine(1024, 1000, 16000, 0.9)
	require.Eventually(t, func() bool { return p.Level() > 0 }, time.Second, 2*time.Millisecond)
	assert.LessOrEqual(t, p.Level(), 1.0)

	select {
	case v := <-levels:
		assert.GreaterOrEqual(t, v, 0.0)
	case <-time.After(time.Second):
		t.Fatal("level handler not called")
	}

	p.Stop()
	assert.Equal(t, 0.0, p.Level())
}
