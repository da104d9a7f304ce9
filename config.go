package voicecall

import (
	"fmt"
	"os"
	"time"

	"github.com/bt-bridge/voicecall/shared"
	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"
)

// Environment variable keys
const (
	EnvURL       = "VOICECALL_WS_URL"
	EnvPersona   = "VOICECALL_PERSONA"
	EnvTransport = "VOICECALL_TRANSPORT"
	EnvLogLevel  = "VOICECALL_LOG_LEVEL"
	EnvLogFile   = "VOICECALL_LOG_FILE"
	EnvMetrics   = "VOICECALL_METRICS_ADDR"

	EnvRingDelayMs    = "VOICECALL_RING_DELAY_MS"
	EnvSpeakingHoldMs = "VOICECALL_SPEAKING_HOLD_MS"
	EnvLookaheadMs    = "VOICECALL_LOOKAHEAD_MS"
	EnvOutputBufferMs = "VOICECALL_OUTPUT_BUFFER_MS"
	EnvCamera         = "VOICECALL_CAMERA"
	EnvCameraInterval = "VOICECALL_CAMERA_INTERVAL"
)

const (
	TransportWebSocket = "websocket"
	TransportWebRTC    = "webrtc"
)

type CameraConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Device     string `yaml:"device"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	IntervalMs int    `yaml:"intervalMs"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type Config struct {
	URL            string       `yaml:"url"`
	Persona        string       `yaml:"persona"`
	Transport      string       `yaml:"transport"`
	ICEServers     []string     `yaml:"iceServers,omitempty"`
	RingDelayMs    int          `yaml:"ringDelayMs"`
	SpeakingHoldMs int          `yaml:"speakingHoldMs"`
	LookaheadMs    int          `yaml:"lookaheadMs"`
	OutputBufferMs int          `yaml:"outputBufferMs"`
	MicDevice      string       `yaml:"micDevice"`
	Camera         CameraConfig `yaml:"camera"`
	Log            LogConfig    `yaml:"log"`
	MetricsAddr    string       `yaml:"metricsAddr"`
}

func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8000/ws/call",
		Persona:        "sari",
		Transport:      TransportWebSocket,
		RingDelayMs:    int(DefaultRingDelay / time.Millisecond),
		SpeakingHoldMs: int(DefaultSpeakingHold / time.Millisecond),
		LookaheadMs:    50,
		OutputBufferMs: 100,
		Camera: CameraConfig{
			Width:      640,
			Height:     480,
			IntervalMs: 1000,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig layers defaults, the YAML file at path (skipped when path is
// empty) and environment overrides, then validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	overrides := []struct {
		key string
		dst *string
	}{
		{EnvURL, &c.URL},
		{EnvPersona, &c.Persona},
		{EnvTransport, &c.Transport},
		{EnvLogLevel, &c.Log.Level},
		{EnvLogFile, &c.Log.File},
		{EnvMetrics, &c.MetricsAddr},
	}
	for _, o := range overrides {
		v, err := shared.Getenv(shared.GetenvString, o.key, false, *o.dst)
		if err != nil {
			return err
		}
		*o.dst = v
	}

	millis := []struct {
		key string
		dst *int
	}{
		{EnvRingDelayMs, &c.RingDelayMs},
		{EnvSpeakingHoldMs, &c.SpeakingHoldMs},
		{EnvLookaheadMs, &c.LookaheadMs},
		{EnvOutputBufferMs, &c.OutputBufferMs},
	}
	for _, o := range millis {
		v, err := shared.Getenv(shared.GetenvInt, o.key, false, *o.dst)
		if err != nil {
			return err
		}
		*o.dst = v
	}

	enabled, err := shared.Getenv(shared.GetenvBool, EnvCamera, false, c.Camera.Enabled)
	if err != nil {
		return err
	}
	c.Camera.Enabled = enabled
	interval, err := shared.Getenv(shared.GetenvDuration, EnvCameraInterval, false, c.FrameInterval())
	if err != nil {
		return err
	}
	c.Camera.IntervalMs = int(interval / time.Millisecond)
	return nil
}

func (c Config) Validate() error {
	if _, err := parseBaseURL(c.URL); err != nil {
		return err
	}
	if c.Persona == "" {
		return fmt.Errorf("config: persona is required")
	}
	switch c.Transport {
	case TransportWebSocket, TransportWebRTC:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	for name, v := range map[string]int{
		"ringDelayMs":       c.RingDelayMs,
		"speakingHoldMs":    c.SpeakingHoldMs,
		"lookaheadMs":       c.LookaheadMs,
		"outputBufferMs":    c.OutputBufferMs,
		"camera.intervalMs": c.Camera.IntervalMs,
	} {
		if v < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	return nil
}

func (c Config) RingDelay() time.Duration {
	return time.Duration(c.RingDelayMs) * time.Millisecond
}

func (c Config) SpeakingHold() time.Duration {
	return time.Duration(c.SpeakingHoldMs) * time.Millisecond
}

func (c Config) Lookahead() time.Duration {
	return time.Duration(c.LookaheadMs) * time.Millisecond
}

func (c Config) OutputBuffer() time.Duration {
	return time.Duration(c.OutputBufferMs) * time.Millisecond
}

func (c Config) FrameInterval() time.Duration {
	return time.Duration(c.Camera.IntervalMs) * time.Millisecond
}

// Dialer builds the channel dialer for the configured transport.
func (c Config) Dialer(logger shared.LoggerAdapter) Dialer {
	if c.Transport == TransportWebRTC {
		d := &RTCDialer{Logger: logger}
		if len(c.ICEServers) > 0 {
			d.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
		}
		return d
	}
	return &WebSocketDialer{HandshakeTimeout: DefaultHandshakeTimeout}
}

func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
