// Package config provides the configuration schema, loader, and file watcher
// for the voxlink client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	Audio     AudioConfig     `yaml:"audio"`
	Jitter    JitterConfig    `yaml:"jitter"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	History   HistoryConfig   `yaml:"history"`

	// deviceIDGenerated is set when ApplyDefaults filled Device.ID.
	deviceIDGenerated bool
}

// ServerConfig holds the backend endpoint and the local admin surface.
type ServerConfig struct {
	// URL is the backend websocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// FallbackURLs are dialed in order when URL is unreachable. An endpoint
	// that keeps failing is skipped until its circuit breaker cools down.
	FallbackURLs []string `yaml:"fallback_urls"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// AdminAddr is the listen address for /metrics, /healthz, and /readyz
	// (e.g., ":9090"). Empty disables the admin server.
	AdminAddr string `yaml:"admin_addr"`
}

// DeviceConfig identifies this client to the backend in the hello handshake.
type DeviceConfig struct {
	// ID is the device identifier. A random UUID is generated when empty.
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`

	// Token is sent as a Bearer token and in the hello message.
	Token string `yaml:"token"`
}

// AudioConfig tunes the capture encoder.
type AudioConfig struct {
	// Application is one of "voip", "audio", or "lowdelay".
	Application string `yaml:"application"`

	// Bitrate in bits per second. Zero keeps the codec default.
	Bitrate int `yaml:"bitrate"`
}

// JitterConfig tunes the playback jitter buffer.
type JitterConfig struct {
	Threshold    int           `yaml:"threshold"`
	Poll         time.Duration `yaml:"poll"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	Grace        time.Duration `yaml:"grace"`
	Fade         time.Duration `yaml:"fade"`

	// MaxDepth bounds the number of undecoded packets held.
	MaxDepth int `yaml:"max_depth"`

	// Overflow is "drop_oldest" or "reject".
	Overflow string `yaml:"overflow"`
}

// HandshakeConfig controls the hello exchange.
type HandshakeConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// OnTimeout is "continue" or "abort".
	OnTimeout string `yaml:"on_timeout"`
}

// ReconnectConfig controls automatic reconnection after a dropped session.
type ReconnectConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// CaptureConfig selects the capture source. Input is a raw s16le PCM file or
// "-" for stdin.
type CaptureConfig struct {
	Input      string `yaml:"input"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`

	// Realtime paces the input at its natural rate.
	Realtime bool `yaml:"realtime"`
}

// PlaybackConfig selects the playback sink. Output is a path that receives
// raw 16 kHz mono s16le PCM, or "-" for stdout. Empty discards audio.
type PlaybackConfig struct {
	Output string `yaml:"output"`

	// Realtime holds each unit for its natural duration before completing it.
	Realtime bool `yaml:"realtime"`
}

// HistoryConfig controls the local conversation log.
type HistoryConfig struct {
	// Path of the JSON lines file. Empty disables the log.
	Path string `yaml:"path"`
}
