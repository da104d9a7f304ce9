package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voicecall"
	"github.com/bt-bridge/voicecall/metrics"
	"github.com/bt-bridge/voicecall/shared"
	"github.com/bt-bridge/voicecall/tools"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// Transport is the session side of a call. *voicecall.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context, persona string) error
	Disconnect()
	SendAudio(chunk []byte) error
	SendImage(frame string) error
	Status() voicecall.CallStatus
	RemoteSpeaking() bool
	SetAudioHandler(h voicecall.AudioHandler)
	SetFunctionCallHandler(h voicecall.FunctionCallHandler)
	SetStatusHandler(h voicecall.StatusHandler)
}

// Capture is the microphone side. *tools.CapturePipeline satisfies it.
type Capture interface {
	Start(ctx context.Context, onChunk func([]byte)) error
	Stop()
	ToggleMute() bool
	Muted() bool
	Level() float64
	OnDeviceLost(fn func(error))
}

// Playback is the speaker side. *tools.PlaybackScheduler satisfies it.
type Playback interface {
	Play(chunk []byte)
	Stop()
}

type CallOption func(*CallAgent)

// WithFrameSource streams one still frame per interval while connected.
func WithFrameSource(src FrameSource, interval time.Duration) CallOption {
	return func(a *CallAgent) {
		a.frameSource = src
		a.frameInterval = interval
	}
}

func WithPrinter(p *shared.Printer) CallOption {
	return func(a *CallAgent) {
		a.printer = p
	}
}

func WithAgentMetrics(m *metrics.Metrics) CallOption {
	return func(a *CallAgent) {
		a.metrics = m
	}
}

// CallAgent runs one call at a time over a transport, a capture pipeline and
// a playback scheduler. Microphone capture starts before the transport
// dials, and teardown always runs capture, transport, playback, then timers.
type CallAgent struct {
	logger    shared.LoggerAdapter
	transport Transport
	capture   Capture
	playback  Playback
	printer   *shared.Printer
	metrics   *metrics.Metrics
	timer     *tools.CallTimer

	frameSource   FrameSource
	frameInterval time.Duration
	frames        *FrameStreamer

	mu             sync.Mutex
	active         bool
	ending         bool
	starting       bool
	gen            uint64
	cancelStart    context.CancelFunc
	speakerOff     bool
	micLost        bool
	done           chan struct{}
	onStatus       voicecall.StatusHandler
	onFunctionCall voicecall.FunctionCallHandler
}

func NewCallAgent(logger shared.LoggerAdapter, transport Transport, capture Capture, playback Playback, opts ...CallOption) (*CallAgent, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if transport == nil {
		return nil, shared.ErrNoClient
	}
	if capture == nil {
		return nil, shared.ErrNoSource
	}
	if playback == nil {
		return nil, shared.ErrNoDevice
	}
	done := make(chan struct{})
	close(done)
	a := &CallAgent{
		logger:    logger.With(zap.String("component", "call")),
		transport: transport,
		capture:   capture,
		playback:  playback,
		timer:     tools.NewCallTimer(),
		done:      done,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.frameSource != nil {
		frames, err := NewFrameStreamer(logger, a.frameSource, transport.SendImage, a.frameInterval, a.metrics)
		if err != nil {
			return nil, err
		}
		a.frames = frames
	}

	transport.SetAudioHandler(a.inboundAudio)
	transport.SetFunctionCallHandler(a.functionCall)
	transport.SetStatusHandler(a.statusChanged)
	capture.OnDeviceLost(a.deviceLost)
	return a, nil
}

// StartCall opens the microphone, then connects to persona. If the
// microphone cannot be opened the transport is never dialed; if the connect
// fails the microphone is released again. An EndCall while StartCall is
// still running cancels it, and StartCall returns context.Canceled.
func (a *CallAgent) StartCall(ctx context.Context, persona string) error {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return shared.ErrCallInProgress
	}
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.active = true
	a.starting = true
	a.gen++
	gen := a.gen
	a.cancelStart = cancel
	a.micLost = false
	a.done = make(chan struct{})
	a.mu.Unlock()
	a.timer.Reset()
	defer a.startDone(gen)

	logger := a.logger.With(zap.String("persona", persona))
	a.say("🎤 Accessing microphone...")
	if err := a.capture.Start(startCtx, a.outboundAudio); err != nil {
		if !a.owns(gen) {
			return fmt.Errorf("starting call: %w", context.Canceled)
		}
		logger.Error("starting capture", err)
		a.say("❌ Unable to access microphone. Check that it is connected and permitted.")
		a.finish()
		return fmt.Errorf("starting call: %w", err)
	}
	if !a.owns(gen) {
		a.capture.Stop()
		return fmt.Errorf("starting call: %w", context.Canceled)
	}

	a.say(fmt.Sprintf("📞 Calling %s...", persona))
	err := a.transport.Connect(startCtx, persona)
	if !a.owns(gen) {
		// The call was ended mid-dial; do not leave a session behind.
		a.transport.Disconnect()
		return fmt.Errorf("starting call: %w", context.Canceled)
	}
	if err != nil {
		logger.Error("connecting", err)
		a.say("❌ Call could not be connected.")
		a.teardown(false)
		return fmt.Errorf("starting call: %w", err)
	}

	a.mu.Lock()
	a.starting = false
	a.cancelStart = nil
	a.mu.Unlock()
	// The peer may already have hung up while the status handler was
	// deferring to us.
	if a.transport.Status() == voicecall.StatusEnded && a.teardown(false) {
		a.say(fmt.Sprintf("📴 Call ended (%s).", a.timer.Format()))
		return nil
	}
	logger.Info("call started")
	return nil
}

// owns reports whether the start identified by gen is still live.
func (a *CallAgent) owns(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen && a.active && !a.ending
}

func (a *CallAgent) startDone(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen == gen {
		a.starting = false
		a.cancelStart = nil
	}
}

// EndCall tears the call down and clears the call timer. Calling it with no
// call active only clears the timer.
func (a *CallAgent) EndCall() {
	if !a.teardown(true) {
		a.timer.Reset()
	}
}

// Done is closed when the current call has been torn down.
func (a *CallAgent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *CallAgent) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// ToggleMute flips the microphone mute and returns the new value.
func (a *CallAgent) ToggleMute() bool {
	muted := a.capture.ToggleMute()
	a.logger.Info("mute toggled", zap.Bool("muted", muted))
	return muted
}

func (a *CallAgent) Muted() bool {
	return a.capture.Muted()
}

// ToggleSpeaker flips inbound audio playback and returns true when the
// speaker is now on. Chunks arriving while it is off are discarded.
func (a *CallAgent) ToggleSpeaker() bool {
	a.mu.Lock()
	a.speakerOff = !a.speakerOff
	on := !a.speakerOff
	a.mu.Unlock()
	a.logger.Info("speaker toggled", zap.Bool("on", on))
	return on
}

func (a *CallAgent) SpeakerOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.speakerOff
}

func (a *CallAgent) Status() voicecall.CallStatus {
	return a.transport.Status()
}

func (a *CallAgent) Level() float64 {
	return a.capture.Level()
}

func (a *CallAgent) RemoteSpeaking() bool {
	return a.transport.RemoteSpeaking()
}

// MicrophoneLost reports whether the microphone went away during the
// current call.
func (a *CallAgent) MicrophoneLost() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.micLost
}

// Elapsed is the connected time of the current or last call as mm:ss.
func (a *CallAgent) Elapsed() string {
	return a.timer.Format()
}

func (a *CallAgent) SetFunctionCallHandler(h voicecall.FunctionCallHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFunctionCall = h
}

// SetStatusHandler sees every transport transition after the agent has
// acted on it.
func (a *CallAgent) SetStatusHandler(h voicecall.StatusHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStatus = h
}

func (a *CallAgent) outboundAudio(chunk []byte) {
	if err := a.transport.SendAudio(chunk); err != nil && !errors.Is(err, shared.ErrChannelNotOpen) {
		a.logger.Warn("sending audio", zap.Error(err))
	}
}

func (a *CallAgent) inboundAudio(chunk []byte) {
	a.mu.Lock()
	off := a.speakerOff
	a.mu.Unlock()
	if off {
		return
	}
	a.playback.Play(chunk)
}

func (a *CallAgent) functionCall(name string, args map[string]any) {
	a.logger.Info("function call", zap.String("name", name))
	if a.printer != nil {
		a.say(fmt.Sprintf("⚙️  %s", name))
		if len(args) > 0 {
			if b, err := yaml.Marshal(args); err != nil {
				a.logger.Error("marshaling function call arguments", err)
			} else if err := a.printer.Write(string(b), 1); err != nil {
				a.logger.Error("printing function call arguments", err)
			}
		}
	}
	a.mu.Lock()
	h := a.onFunctionCall
	a.mu.Unlock()
	if h != nil {
		h(name, args)
	}
}

func (a *CallAgent) statusChanged(status voicecall.CallStatus) {
	switch status {
	case voicecall.StatusRinging:
		a.say("🔔 Ringing...")
	case voicecall.StatusConnected:
		a.timer.Start()
		if a.frames != nil {
			a.frames.Start()
		}
		a.say("✅ Connected.")
	case voicecall.StatusEnded:
		a.timer.Stop()
		a.mu.Lock()
		starting := a.starting
		a.mu.Unlock()
		// StartCall handles an ended seen while it runs. A stale ended from
		// a previous call is ignored once a new one dials.
		if !starting && a.transport.Status() == voicecall.StatusEnded && a.teardown(false) {
			a.say(fmt.Sprintf("📴 Call ended (%s).", a.timer.Format()))
		}
	}

	a.mu.Lock()
	h := a.onStatus
	a.mu.Unlock()
	if h != nil {
		h(status)
	}
}

func (a *CallAgent) deviceLost(err error) {
	a.mu.Lock()
	a.micLost = true
	a.mu.Unlock()
	a.logger.Error("microphone lost", err)
	a.say("❌ Microphone disconnected.")
}

// teardown ends the active call. It reports false when there was no call to
// end or another teardown is already running. With reset the call timer is
// cleared, otherwise it is frozen at its last value.
func (a *CallAgent) teardown(reset bool) bool {
	a.mu.Lock()
	if !a.active || a.ending {
		a.mu.Unlock()
		return false
	}
	a.ending = true
	if a.cancelStart != nil {
		a.cancelStart()
	}
	a.mu.Unlock()

	a.capture.Stop()
	a.transport.Disconnect()
	a.playback.Stop()
	if reset {
		a.timer.Reset()
	} else {
		a.timer.Stop()
	}
	if a.frames != nil {
		a.frames.Stop()
	}

	a.finish()
	a.logger.Info("call torn down", zap.Bool("reset", reset))
	return true
}

func (a *CallAgent) finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
	a.ending = false
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

func (a *CallAgent) say(msg string) {
	if a.printer == nil {
		return
	}
	if err := a.printer.Writeln(msg, 0); err != nil {
		a.logger.Error("printing message", err)
	}
}
