package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied to a running client; every other changed
// section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections that changed and only
	// take effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	serverChanged := old.Server.URL != new.Server.URL ||
		old.Server.AdminAddr != new.Server.AdminAddr ||
		!slices.Equal(old.Server.FallbackURLs, new.Server.FallbackURLs)

	sections := []struct {
		name    string
		changed bool
	}{
		{"server", serverChanged},
		{"device", old.Device != new.Device},
		{"audio", old.Audio != new.Audio},
		{"jitter", old.Jitter != new.Jitter},
		{"handshake", old.Handshake != new.Handshake},
		{"reconnect", old.Reconnect != new.Reconnect},
		{"capture", old.Capture != new.Capture},
		{"playback", old.Playback != new.Playback},
		{"history", old.History != new.History},
	}
	for _, s := range sections {
		if s.changed {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
