package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultLogLevel         = LogInfo
	DefaultApplication      = "voip"
	DefaultJitterThreshold  = 3
	DefaultJitterPoll       = 50 * time.Millisecond
	DefaultStartTimeout     = 300 * time.Millisecond
	DefaultGrace            = 500 * time.Millisecond
	DefaultFade             = 20 * time.Millisecond
	DefaultMaxDepth         = 256
	DefaultOverflow         = "drop_oldest"
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultOnTimeout        = "continue"
	DefaultCaptureRate      = 16000
	DefaultCaptureChannels  = 1
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields. A missing device id is replaced by
// a random UUID, so two loads of the same file may differ in Device.ID.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Device.ID == "" {
		cfg.Device.ID = uuid.NewString()
		cfg.deviceIDGenerated = true
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = "voxlink"
	}
	if cfg.Audio.Application == "" {
		cfg.Audio.Application = DefaultApplication
	}

	j := &cfg.Jitter
	if j.Threshold == 0 {
		j.Threshold = DefaultJitterThreshold
	}
	if j.Poll == 0 {
		j.Poll = DefaultJitterPoll
	}
	if j.StartTimeout == 0 {
		j.StartTimeout = DefaultStartTimeout
	}
	if j.Grace == 0 {
		j.Grace = DefaultGrace
	}
	if j.Fade == 0 {
		j.Fade = DefaultFade
	}
	if j.MaxDepth == 0 {
		j.MaxDepth = DefaultMaxDepth
	}
	if j.Overflow == "" {
		j.Overflow = DefaultOverflow
	}

	if cfg.Handshake.Timeout == 0 {
		cfg.Handshake.Timeout = DefaultHandshakeTimeout
	}
	if cfg.Handshake.OnTimeout == "" {
		cfg.Handshake.OnTimeout = DefaultOnTimeout
	}

	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultCaptureRate
	}
	if cfg.Capture.Channels == 0 {
		cfg.Capture.Channels = DefaultCaptureChannels
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.URL == "" {
		slog.Warn("server.url is empty; the client will run offline")
		if len(cfg.Server.FallbackURLs) > 0 {
			errs = append(errs, errors.New("server.fallback_urls requires server.url"))
		}
	} else if err := validateURL("server.url", cfg.Server.URL); err != nil {
		errs = append(errs, err)
	}
	for i, u := range cfg.Server.FallbackURLs {
		if err := validateURL(fmt.Sprintf("server.fallback_urls[%d]", i), u); err != nil {
			errs = append(errs, err)
		}
	}

	// Audio
	switch cfg.Audio.Application {
	case "", "voip", "audio", "lowdelay":
	default:
		errs = append(errs, fmt.Errorf("audio.application %q is invalid; valid values: voip, audio, lowdelay", cfg.Audio.Application))
	}
	if cfg.Audio.Bitrate < 0 || (cfg.Audio.Bitrate > 0 && (cfg.Audio.Bitrate < 500 || cfg.Audio.Bitrate > 512000)) {
		errs = append(errs, fmt.Errorf("audio.bitrate %d is out of range [500, 512000]", cfg.Audio.Bitrate))
	}

	// Jitter
	j := cfg.Jitter
	if j.Threshold < 1 {
		errs = append(errs, fmt.Errorf("jitter.threshold %d must be at least 1", j.Threshold))
	}
	if j.MaxDepth != 0 && j.MaxDepth < j.Threshold {
		errs = append(errs, fmt.Errorf("jitter.max_depth %d is below jitter.threshold %d", j.MaxDepth, j.Threshold))
	}
	for name, d := range map[string]time.Duration{
		"jitter.poll":          j.Poll,
		"jitter.start_timeout": j.StartTimeout,
		"jitter.grace":         j.Grace,
		"jitter.fade":          j.Fade,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", name, d))
		}
	}
	switch j.Overflow {
	case "", "drop_oldest", "reject":
	default:
		errs = append(errs, fmt.Errorf("jitter.overflow %q is invalid; valid values: drop_oldest, reject", j.Overflow))
	}

	// Handshake
	if cfg.Handshake.Timeout < 0 {
		errs = append(errs, fmt.Errorf("handshake.timeout %s must not be negative", cfg.Handshake.Timeout))
	}
	switch cfg.Handshake.OnTimeout {
	case "", "continue", "abort":
	default:
		errs = append(errs, fmt.Errorf("handshake.on_timeout %q is invalid; valid values: continue, abort", cfg.Handshake.OnTimeout))
	}

	// Reconnect
	if cfg.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must not be negative", cfg.Reconnect.MaxRetries))
	}
	if cfg.Reconnect.Backoff > 0 && cfg.Reconnect.MaxBackoff > 0 && cfg.Reconnect.MaxBackoff < cfg.Reconnect.Backoff {
		errs = append(errs, fmt.Errorf("reconnect.max_backoff %s is below reconnect.backoff %s", cfg.Reconnect.MaxBackoff, cfg.Reconnect.Backoff))
	}
	if cfg.Reconnect.Enabled && cfg.Server.URL == "" {
		errs = append(errs, errors.New("reconnect.enabled requires server.url"))
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is invalid; valid values: 1, 2", cfg.Capture.Channels))
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s scheme %q is invalid; valid values: ws, wss", field, u.Scheme)
	}
	return nil
}
