// # Go Client Package for Real-time Voice Calls
//
// This repository provides a Go package for placing real-time voice calls to a conversational
// persona over a duplex JSON message channel. It captures the local microphone as 16 kHz PCM16,
// streams it to the peer, and plays the peer's 24 kHz replies back to back on the speaker
// without audible gaps.
//
// The root package holds the session transport: [Client] drives a [CallSession] through
// idle, connecting, ringing, connected and ended over a [Channel], which is a WebSocket
// ([WebSocketDialer]) or a WebRTC data channel ([RTCDialer]). The tools package holds the
// capture pipeline, the playback scheduler and the device adapters, and agents composes them
// into a call with ordered start and teardown.
package voicecall
