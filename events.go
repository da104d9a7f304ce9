package voicecall

import (
	"fmt"
	"strings"

	"github.com/bt-bridge/voicecall/shared"
	"github.com/bytedance/sonic"
	"github.com/cloudwego/base64x"
)

type EnvelopeType string

const (
	EnvelopeAudio        EnvelopeType = "audio"
	EnvelopeStatus       EnvelopeType = "status"
	EnvelopeFunctionCall EnvelopeType = "function_call"
	EnvelopeError        EnvelopeType = "error"
	EnvelopeText         EnvelopeType = "text"
	EnvelopeImage        EnvelopeType = "image"
	EnvelopeEndCall      EnvelopeType = "end_call"
)

// Status strings the peer reports inside a status envelope.
const (
	PeerStatusConnecting = "connecting"
	PeerStatusConnected  = "connected"
	PeerStatusListening  = "listening"
	PeerStatusSpeaking   = "speaking"
)

// Envelope is the JSON object exchanged on the session channel. Which fields
// are set depends on Type.
type Envelope struct {
	Type      EnvelopeType   `json:"type"`
	Data      string         `json:"data,omitempty"`
	Status    string         `json:"status,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Message   string         `json:"message,omitempty"`
}

func AudioEnvelope(chunk []byte) Envelope {
	return Envelope{Type: EnvelopeAudio, Data: base64x.StdEncoding.EncodeToString(chunk)}
}

// ImageEnvelope carries a base64 picture. A data URL header such as
// "data:image/jpeg;base64," is dropped.
func ImageEnvelope(frame string) Envelope {
	return Envelope{Type: EnvelopeImage, Data: StripDataURL(frame)}
}

func StripDataURL(frame string) string {
	if _, payload, ok := strings.Cut(frame, ","); ok && payload != "" {
		return payload
	}
	return frame
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	b, err := sonic.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", e.Type, err)
	}
	return b, nil
}

// DecodeEnvelope parses and validates one inbound message. Anything that is
// not a well-formed envelope of a known inbound type wraps
// shared.ErrMalformedMessage.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := sonic.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", shared.ErrMalformedMessage, err)
	}
	switch e.Type {
	case EnvelopeAudio, EnvelopeStatus, EnvelopeError, EnvelopeText:
	case EnvelopeFunctionCall:
		if e.Name == "" {
			return Envelope{}, fmt.Errorf("%w: function_call without name", shared.ErrMalformedMessage)
		}
	case "":
		return Envelope{}, fmt.Errorf("%w: missing type", shared.ErrMalformedMessage)
	default:
		return Envelope{}, fmt.Errorf("%w: unexpected type %q", shared.ErrMalformedMessage, e.Type)
	}
	return e, nil
}

// AudioPayload decodes the base64 data of an audio envelope.
func (e Envelope) AudioPayload() ([]byte, error) {
	b, err := base64x.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: audio payload: %w", shared.ErrMalformedMessage, err)
	}
	return b, nil
}
