package voicecall

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/bt-bridge/voicecall/shared"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const rtcInboxSize = 256

// RTCDialer carries the session over a WebRTC data channel. The SDP offer is
// POSTed to the session URL (ws and wss map to http and https) and the
// response body is taken as the answer.
type RTCDialer struct {
	Logger     shared.LoggerAdapter
	ICEServers []webrtc.ICEServer
	Label      string
}

func (d *RTCDialer) Dial(ctx context.Context, u *url.URL) (Channel, error) {
	logger := d.Logger
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	label := d.Label
	if label == "" {
		label = "session"
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: d.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	dc, err := pc.CreateDataChannel(label, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}

	ch := &rtcChannel{
		pc:     pc,
		dc:     dc,
		inbox:  make(chan []byte, rtcInboxSize),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "rtc")),
	}
	opened := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(opened) })
	})
	dc.OnMessage(ch.onMessage)
	dc.OnClose(ch.shutdown)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		ch.logger.Trace("peer connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			ch.shutdown()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}

	answer, err := exchangeSDP(ctx, signalingURL(u), pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("exchanging SDP: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("setting remote description: %w", err)
	}

	select {
	case <-opened:
		return ch, nil
	case <-ch.done:
		_ = pc.Close()
		return nil, errors.New("peer connection closed before data channel opened")
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}
}

func signalingURL(u *url.URL) *url.URL {
	s := *u
	switch s.Scheme {
	case "ws":
		s.Scheme = "http"
	case "wss":
		s.Scheme = "https"
	}
	return &s
}

func exchangeSDP(ctx context.Context, u *url.URL, offer string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(u.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/sdp")
	req.SetBodyString(offer)

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errC:
		if err != nil {
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusCreated:
	default:
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	return string(resp.Body()), nil
}

type rtcChannel struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	logger shared.LoggerAdapter

	inbox    chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func (c *rtcChannel) onMessage(msg webrtc.DataChannelMessage) {
	data := append([]byte(nil), msg.Data...)
	select {
	case c.inbox <- data:
	case <-c.done:
	}
}

func (c *rtcChannel) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *rtcChannel) Send(msg []byte) error {
	select {
	case <-c.done:
		return shared.ErrChannelClosed
	default:
	}
	if err := c.dc.SendText(string(msg)); err != nil {
		return fmt.Errorf("sending on data channel: %w", err)
	}
	return nil
}

func (c *rtcChannel) Receive() ([]byte, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		// Drain what arrived before the close.
		select {
		case msg := <-c.inbox:
			return msg, nil
		default:
		}
		return nil, shared.ErrChannelClosed
	}
}

func (c *rtcChannel) Close() error {
	c.shutdown()
	if err := c.dc.Close(); err != nil {
		c.logger.Error("closing data channel", err)
	}
	return c.pc.Close()
}
