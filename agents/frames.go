package agents

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bt-bridge/voicecall/metrics"
	"github.com/bt-bridge/voicecall/shared"
	"go.uber.org/zap"
)

const DefaultFrameInterval = time.Second

// FrameSource yields one still picture as a JPEG data URL.
type FrameSource interface {
	Frame(ctx context.Context) (string, error)
}

// FrameStreamer sends one frame from its source every interval until
// stopped.
type FrameStreamer struct {
	logger   shared.LoggerAdapter
	source   FrameSource
	send     func(frame string) error
	interval time.Duration
	metrics  *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewFrameStreamer(logger shared.LoggerAdapter, source FrameSource, send func(string) error, interval time.Duration, m *metrics.Metrics) (*FrameStreamer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if source == nil {
		return nil, shared.ErrNoSource
	}
	if send == nil {
		return nil, errors.New("no frame sink provided")
	}
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &FrameStreamer{
		logger:   logger.With(zap.String("component", "frames")),
		source:   source,
		send:     send,
		interval: interval,
		metrics:  m,
	}, nil
}

// Start begins streaming. A second Start while running does nothing.
func (f *FrameStreamer) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.loop(ctx, f.done)
	f.logger.Debug("frame streaming started", zap.Duration("interval", f.interval))
}

// Stop halts streaming and waits for an in-flight frame to finish.
func (f *FrameStreamer) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	f.logger.Debug("frame streaming stopped")
}

func (f *FrameStreamer) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

func (f *FrameStreamer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.sendFrame(ctx)
		}
	}
}

func (f *FrameStreamer) sendFrame(ctx context.Context) {
	frame, err := f.source.Frame(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Warn("grabbing frame", zap.Error(err))
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err := f.send(frame); err != nil {
		if errors.Is(err, shared.ErrChannelNotOpen) {
			f.logger.Trace("frame dropped, channel not open")
			return
		}
		f.logger.Error("sending frame", err)
		return
	}
	f.metrics.FrameSent()
}
