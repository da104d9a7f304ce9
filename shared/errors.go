package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoDialer              = errors.New("no dialer provided")
	ErrNoSource              = errors.New("no capture source provided")
	ErrNoDevice              = errors.New("no playback device provided")
	ErrNoClient              = errors.New("no client provided")
	ErrDeviceUnavailable     = errors.New("device unavailable")
	ErrMalformedMessage      = errors.New("malformed message")
	ErrMalformedPCM          = errors.New("malformed pcm: odd byte length")
	ErrChannelNotOpen        = errors.New("channel not open")
	ErrChannelClosed         = errors.New("channel closed")
	ErrConnectFailed         = errors.New("connect failed")
	ErrCallInProgress        = errors.New("call already in progress")
	ErrCaptureAlreadyRunning = errors.New("capture already running")
)
