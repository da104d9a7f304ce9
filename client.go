package voicecall

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/voicecall/metrics"
	"github.com/bt-bridge/voicecall/shared"
	"go.uber.org/zap"
)

const (
	DefaultRingDelay        = 2 * time.Second
	DefaultSpeakingHold     = 500 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second
)

type AudioHandler func(chunk []byte)
type FunctionCallHandler func(name string, args map[string]any)
type StatusHandler func(status CallStatus)

type ClientOption func(*Client)

func WithDialer(d Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

func WithRingDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.ringDelay = d
	}
}

func WithSpeakingHold(d time.Duration) ClientOption {
	return func(c *Client) {
		c.speakingHold = d
	}
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client is the session transport. It owns at most one live CallSession and
// drives its status through idle, connecting, ringing, connected and ended.
type Client struct {
	logger       shared.LoggerAdapter
	baseURL      *url.URL
	dialer       Dialer
	ringDelay    time.Duration
	speakingHold time.Duration
	metrics      *metrics.Metrics

	mu             sync.Mutex
	session        *CallSession
	onAudio        AudioHandler
	onFunctionCall FunctionCallHandler
	onStatus       StatusHandler

	// Status changes queue here and are delivered in order by one flusher.
	pending  []CallStatus
	flushing bool
}

// NewClient builds a transport for baseURL. When ctx is done an open session
// is disconnected.
func NewClient(ctx context.Context, logger shared.LoggerAdapter, baseURL string, opts ...ClientOption) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		logger:       logger.With(zap.String("component", "transport")),
		baseURL:      u,
		dialer:       &WebSocketDialer{HandshakeTimeout: DefaultHandshakeTimeout},
		ringDelay:    DefaultRingDelay,
		speakingHold: DefaultSpeakingHold,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		return nil, shared.ErrNoDialer
	}
	context.AfterFunc(ctx, func() {
		if c.Status().Open() {
			c.Disconnect()
		}
	})
	return c, nil
}

func (c *Client) Status() CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return StatusIdle
	}
	return c.session.status
}

// RemoteSpeaking is a presentation hint: true while the peer is sending
// audio or has said it is speaking.
func (c *Client) RemoteSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.remoteSpeaking
}

// SessionID identifies the current CallSession, or is empty before the
// first Connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// SetAudioHandler replaces the inbound audio handler. Last registration wins.
func (c *Client) SetAudioHandler(h AudioHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAudio = h
}

// SetFunctionCallHandler replaces the function call handler. Last
// registration wins.
func (c *Client) SetFunctionCallHandler(h FunctionCallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFunctionCall = h
}

// SetStatusHandler replaces the status handler. It sees every transition in
// order and may call back into the Client.
func (c *Client) SetStatusHandler(h StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = h
}

// Connect opens a session for persona. It does nothing if one is already
// open. The connecting status is announced before dialing; Connect then
// blocks until the peer accepts, the dial fails, or ctx is done.
func (c *Client) Connect(ctx context.Context, persona string) error {
	c.mu.Lock()
	if c.session != nil && c.session.status.Open() {
		c.mu.Unlock()
		return nil
	}
	s := newCallSession(persona)
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelDial = cancel
	c.session = s
	c.setStatusLocked(s, StatusConnecting)
	c.mu.Unlock()
	c.flushStatus()

	u := SessionURL(c.baseURL, persona)
	logger := c.logger.With(zap.String("session", s.ID), zap.String("persona", persona))
	logger.Info("connecting", zap.String("url", u.Redacted()))

	start := time.Now()
	ch, err := c.dialer.Dial(dialCtx, u)
	dialed := time.Since(start)

	c.mu.Lock()
	if c.session != s || s.status != StatusConnecting {
		c.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return fmt.Errorf("%w: disconnected while dialing: %w", shared.ErrConnectFailed, context.Canceled)
	}
	s.cancelDial = nil
	if err != nil {
		c.setStatusLocked(s, StatusEnded)
		c.mu.Unlock()
		c.flushStatus()
		logger.Error("connect failed", err)
		return fmt.Errorf("%w: %w", shared.ErrConnectFailed, err)
	}
	s.channel = ch
	c.metrics.Connected(dialed.Seconds())
	c.setStatusLocked(s, StatusRinging)
	s.ringTimer = time.AfterFunc(c.ringDelay, func() { c.ringElapsed(s) })
	c.mu.Unlock()
	c.flushStatus()

	logger.Info("channel open")
	go c.readLoop(s, ch, logger)
	return nil
}

// Disconnect ends the session. An open channel gets a best-effort end_call
// and is closed whether or not that send succeeds. The status is ended
// afterwards in every case.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.session
	if s == nil {
		s = newCallSession("")
		c.session = s
	}
	var ch Channel
	if s.status != StatusEnded {
		if s.cancelDial != nil {
			s.cancelDial()
			s.cancelDial = nil
		}
		ch = s.channel
		s.channel = nil
		s.stopTimers()
		s.remoteSpeaking = false
		c.setStatusLocked(s, StatusEnded)
	}
	c.mu.Unlock()

	if ch != nil {
		if err := c.send(ch, Envelope{Type: EnvelopeEndCall}); err != nil {
			c.logger.Warn("sending end_call", zap.String("session", s.ID), zap.Error(err))
		}
		if err := ch.Close(); err != nil {
			c.logger.Error("closing channel", err, zap.String("session", s.ID))
		}
		c.logger.Info("disconnected", zap.String("session", s.ID))
	}
	c.flushStatus()
}

// SendAudio sends a PCM16 chunk. Without an open channel the chunk is
// dropped and ErrChannelNotOpen returned; nothing is queued.
func (c *Client) SendAudio(chunk []byte) error {
	return c.sendOpen(AudioEnvelope(chunk))
}

// SendImage sends a base64 picture, with or without a data URL header.
func (c *Client) SendImage(frame string) error {
	return c.sendOpen(ImageEnvelope(frame))
}

func (c *Client) sendOpen(e Envelope) error {
	c.mu.Lock()
	var ch Channel
	if s := c.session; s != nil && s.channel != nil && s.status.Open() {
		ch = s.channel
	}
	c.mu.Unlock()
	if ch == nil {
		c.metrics.SendDropped(string(e.Type))
		return shared.ErrChannelNotOpen
	}
	return c.send(ch, e)
}

func (c *Client) send(ch Channel, e Envelope) error {
	b, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	if err := ch.Send(b); err != nil {
		return fmt.Errorf("sending %s: %w", e.Type, err)
	}
	c.metrics.Sent(string(e.Type))
	return nil
}

func (c *Client) readLoop(s *CallSession, ch Channel, logger shared.LoggerAdapter) {
	for {
		raw, err := ch.Receive()
		if err != nil {
			c.channelClosed(s, ch, err, logger)
			return
		}
		c.dispatch(s, raw, logger)
	}
}

// current reports whether s is still the live, unfinished session.
// Callers hold c.mu.
func (c *Client) current(s *CallSession) bool {
	return c.session == s && s.status != StatusEnded
}

func (c *Client) dispatch(s *CallSession, raw []byte, logger shared.LoggerAdapter) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		c.metrics.Malformed()
		logger.Error("discarding inbound message", err, zap.Int("bytes", len(raw)))
		return
	}
	c.metrics.Received(string(env.Type))

	switch env.Type {
	case EnvelopeAudio:
		chunk, err := env.AudioPayload()
		if err != nil {
			c.metrics.Malformed()
			logger.Error("discarding inbound audio", err)
			return
		}
		if len(chunk) == 0 {
			return
		}
		c.mu.Lock()
		if !c.current(s) {
			c.mu.Unlock()
			return
		}
		h := c.onAudio
		c.markSpeakingLocked(s)
		c.mu.Unlock()
		if h != nil {
			h(chunk)
		}

	case EnvelopeStatus:
		c.mu.Lock()
		if !c.current(s) {
			c.mu.Unlock()
			return
		}
		switch env.Status {
		case PeerStatusConnected:
			if s.status == StatusConnecting || s.status == StatusRinging {
				if s.ringTimer != nil {
					s.ringTimer.Stop()
					s.ringTimer = nil
				}
				c.setStatusLocked(s, StatusConnected)
			}
		case PeerStatusListening:
			s.speakingGen++
			s.remoteSpeaking = false
		case PeerStatusSpeaking:
			s.speakingGen++
			s.remoteSpeaking = true
		case PeerStatusConnecting:
		default:
			logger.Warn("unknown peer status", zap.String("status", env.Status))
		}
		c.mu.Unlock()
		c.flushStatus()

	case EnvelopeFunctionCall:
		c.mu.Lock()
		if !c.current(s) {
			c.mu.Unlock()
			return
		}
		h := c.onFunctionCall
		c.mu.Unlock()
		logger.Debug("function call", zap.String("name", env.Name), zap.Any("arguments", env.Arguments))
		if h != nil {
			h(env.Name, env.Arguments)
		}

	case EnvelopeError:
		logger.Warn("peer reported error", zap.String("message", env.Message))

	case EnvelopeText:
		logger.Info("peer text", zap.String("text", env.Data))
	}
}

// markSpeakingLocked sets the speaking flag and restarts its clear timer.
func (c *Client) markSpeakingLocked(s *CallSession) {
	s.remoteSpeaking = true
	s.speakingGen++
	gen := s.speakingGen
	if s.speakingTimer != nil {
		s.speakingTimer.Stop()
	}
	s.speakingTimer = time.AfterFunc(c.speakingHold, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session == s && s.speakingGen == gen {
			s.remoteSpeaking = false
			s.speakingTimer = nil
		}
	})
}

func (c *Client) ringElapsed(s *CallSession) {
	c.mu.Lock()
	if c.session != s || s.status != StatusRinging {
		c.mu.Unlock()
		return
	}
	s.ringTimer = nil
	c.setStatusLocked(s, StatusConnected)
	c.mu.Unlock()
	c.flushStatus()
}

func (c *Client) channelClosed(s *CallSession, ch Channel, err error, logger shared.LoggerAdapter) {
	c.mu.Lock()
	if c.session != s || !s.status.Open() {
		c.mu.Unlock()
		return
	}
	s.channel = nil
	s.stopTimers()
	s.remoteSpeaking = false
	c.setStatusLocked(s, StatusEnded)
	c.mu.Unlock()

	logger.Info("channel closed by peer", zap.Error(err))
	if cerr := ch.Close(); cerr != nil {
		logger.Error("closing channel", cerr)
	}
	c.flushStatus()
}

// setStatusLocked records a transition for delivery by flushStatus.
func (c *Client) setStatusLocked(s *CallSession, status CallStatus) {
	if s.status == status {
		return
	}
	c.logger.Debug("status",
		zap.String("session", s.ID),
		zap.String("from", s.status.String()),
		zap.String("to", status.String()),
	)
	s.status = status
	c.pending = append(c.pending, status)
	c.metrics.Status(status.String())
}

// flushStatus delivers queued transitions. If another goroutine, or a status
// handler further up this stack, is already delivering, it picks these up.
func (c *Client) flushStatus() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.pending) > 0 {
		status := c.pending[0]
		c.pending = c.pending[1:]
		h := c.onStatus
		c.mu.Unlock()
		if h != nil {
			h(status)
		}
		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}
