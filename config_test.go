package voicecall

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bt-bridge/voicecall/shared"
	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicecall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.RingDelay())
	assert.Equal(t, 500*time.Millisecond, cfg.SpeakingHold())
	assert.Equal(t, 50*time.Millisecond, cfg.Lookahead())
	assert.Equal(t, time.Second, cfg.FrameInterval())
	assert.IsType(t, &WebSocketDialer{}, cfg.Dialer(shared.NewNopLogger()))
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := writeConfig(t, `
url: wss://calls.example.com/ws/call
persona: reza
transport: webrtc
iceServers:
  - stun:stun.l.google.com:19302
ringDelayMs: 1500
camera:
  enabled: true
  intervalMs: 500
log:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://calls.example.com/ws/call", cfg.URL)
	assert.Equal(t, "reza", cfg.Persona)
	assert.Equal(t, 1500*time.Millisecond, cfg.RingDelay())
	assert.True(t, cfg.Camera.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.FrameInterval())
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, 500, cfg.SpeakingHoldMs)
	assert.Equal(t, 640, cfg.Camera.Width)

	d, ok := cfg.Dialer(shared.NewNopLogger()).(*RTCDialer)
	require.True(t, ok)
	require.Len(t, d.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, d.ICEServers[0].URLs)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "persona: reza\n")
	t.Setenv(EnvPersona, "dewi")
	t.Setenv(EnvURL, "ws://10.0.0.5:8000/ws/call")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "dewi", cfg.Persona)
	assert.Equal(t, "ws://10.0.0.5:8000/ws/call", cfg.URL)
}

func TestLoadConfigNumericEnvOverrides(t *testing.T) {
	t.Setenv(EnvRingDelayMs, "750")
	t.Setenv(EnvOutputBufferMs, "40")
	t.Setenv(EnvCamera, "true")
	t.Setenv(EnvCameraInterval, "250ms")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.RingDelay())
	assert.Equal(t, 40*time.Millisecond, cfg.OutputBuffer())
	assert.True(t, cfg.Camera.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.FrameInterval())
	// Unset keys keep their defaults.
	assert.Equal(t, 500*time.Millisecond, cfg.SpeakingHold())

	t.Setenv(EnvLookaheadMs, "soon")
	_, err = LoadConfig("")
	assert.ErrorContains(t, err, EnvLookaheadMs)

	t.Setenv(EnvLookaheadMs, "")
	t.Setenv(EnvSpeakingHoldMs, "-5")
	_, err = LoadConfig("")
	assert.ErrorContains(t, err, "speakingHoldMs")
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "persona: [unclosed\n"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "transport: carrier-pigeon\n"))
	assert.ErrorContains(t, err, "unknown transport")

	_, err = LoadConfig(writeConfig(t, "ringDelayMs: -1\n"))
	assert.ErrorContains(t, err, "ringDelayMs")

	_, err = LoadConfig(writeConfig(t, "url: not a url\n"))
	assert.Error(t, err)
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Persona = "reza"
	b, err := cfg.YAML()
	require.NoError(t, err)

	var back Config
	require.NoError(t, yaml.Unmarshal(b, &back))
	assert.Equal(t, cfg, back)
}
