package voicecall

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type CallStatus int

const (
	StatusIdle CallStatus = iota
	StatusConnecting
	StatusRinging
	StatusConnected
	StatusEnded
)

func (s CallStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

// Open reports whether a session in this status holds, or is acquiring, a
// channel.
func (s CallStatus) Open() bool {
	return s == StatusConnecting || s == StatusRinging || s == StatusConnected
}

// CallSession is one connect-to-end lifetime of the transport. Its fields
// are guarded by the owning Client's mutex.
type CallSession struct {
	ID        string
	Persona   string
	StartedAt time.Time

	status         CallStatus
	remoteSpeaking bool
	channel        Channel
	cancelDial     context.CancelFunc
	ringTimer      *time.Timer
	speakingTimer  *time.Timer
	speakingGen    uint64
}

func newCallSession(persona string) *CallSession {
	return &CallSession{
		ID:        uuid.NewString(),
		Persona:   persona,
		StartedAt: time.Now(),
		status:    StatusIdle,
	}
}

func (s *CallSession) stopTimers() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.speakingTimer != nil {
		s.speakingTimer.Stop()
		s.speakingTimer = nil
	}
}
