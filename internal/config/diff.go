package config

import "time"

// ConfigDiff describes what changed between two configs.
//
// LogLevel and Debounce changes are applied live. Anything listed in
// RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DebounceChanged bool
	NewDebounce     time.Duration

	// RestartRequired names the changed sections that cannot be hot-reloaded.
	RestartRequired []string
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DebounceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Relay.DebounceMS != new.Relay.DebounceMS {
		d.DebounceChanged = true
		d.NewDebounce = new.Relay.Debounce()
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.StaticDir != new.Server.StaticDir ||
		old.Server.MaxFrameBytes != new.Server.MaxFrameBytes ||
		!sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !sameRelayStatic(old.Relay, new.Relay) {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if old.SignVideo != new.SignVideo {
		d.RestartRequired = append(d.RestartRequired, "signvideo")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameRelayStatic compares the relay fields that are not hot-reloadable.
func sameRelayStatic(a, b RelayConfig) bool {
	a.DebounceMS, b.DebounceMS = 0, 0
	return a == b
}

func sameProviders(a, b ProvidersConfig) bool {
	return sameEntry(a.Recognizer, b.Recognizer) &&
		sameEntry(a.TTS, b.TTS) &&
		sameEntries(a.RecognizerFallbacks, b.RecognizerFallbacks) &&
		sameEntries(a.TTSFallbacks, b.TTSFallbacks)
}

func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameEntry(a[i], b[i]) {
			return false
		}
	}
	return true
}

// sameEntry compares provider entries. Nested option values always count as
// changed.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Timeout != b.Timeout || len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !sameScalar(av, bv) {
			return false
		}
	}
	return true
}

func sameScalar(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}
