// Package config provides the configuration schema, loader, and provider registry
// for the signbridge relay server.
package config

import "time"

// LogLevel controls log verbosity for the signbridge server.
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

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr        = ":3000"
	DefaultRecognizerURL     = "http://localhost:8000"
	DefaultDebounceMS        = 1500
	DefaultClassifyTimeout   = 5 * time.Second
	DefaultSynthesisTimeout  = 15 * time.Second
	DefaultVoiceID           = "21m00Tcm4TlvDq8ikWAM"
	DefaultTTSModel          = "eleven_monolingual_v1"
	DefaultNoSignMessage     = "No sign detected. Try again."
	DefaultOutboundBuffer    = 64
	DefaultMaxInflightFrames = 4
	DefaultMaxFrameBytes     = 4 << 20
	DefaultServiceName       = "signbridge"
)

// Config is the root configuration structure for signbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Relay      RelayConfig      `yaml:"relay"`
	SignVideo  SignVideoConfig  `yaml:"signvideo"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// StaticDir, if set, is served at / (the browser client).
	StaticDir string `yaml:"static_dir"`

	// MaxFrameBytes caps the size of a single inbound WebSocket message.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig selects the recognizer and speech backends. Each entry names
// a factory registered in the [Registry]. Fallbacks are tried in order when the
// primary fails or its circuit breaker is open.
type ProvidersConfig struct {
	Recognizer          ProviderEntry   `yaml:"recognizer"`
	TTS                 ProviderEntry   `yaml:"tts"`
	RecognizerFallbacks []ProviderEntry `yaml:"recognizer_fallbacks"`
	TTSFallbacks        []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "http", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Timeout bounds each request to the provider. Zero uses the relay timeout
	// for the provider kind.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific values not covered above
	// (e.g., "output_format" for elevenlabs, "path" for the http recognizer).
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] if it is a string.
func (e ProviderEntry) OptionString(key string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return ""
}

// RelayConfig tunes the per-connection session state machine.
type RelayConfig struct {
	// DebounceMS is the silence in milliseconds that completes a word.
	// Hot-reloadable; applies to connections opened after the reload.
	DebounceMS int `yaml:"debounce_ms"`

	// ClassifyTimeout bounds each recognizer call.
	ClassifyTimeout time.Duration `yaml:"classify_timeout"`

	// SynthesisTimeout bounds each speech synthesis call.
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout"`

	// NoSignMessage is the status text sent for frames without a symbol.
	NoSignMessage string `yaml:"no_sign_message"`

	// Voice configures the synthesized voice.
	Voice VoiceConfig `yaml:"voice"`

	// OutboundBuffer is the per-connection queue length for outbound events.
	OutboundBuffer int `yaml:"outbound_buffer"`

	// MaxInflightFrames bounds concurrent classifier calls per connection.
	// Frames beyond the bound are dropped.
	MaxInflightFrames int `yaml:"max_inflight_frames"`
}

// Debounce returns DebounceMS as a duration.
func (r RelayConfig) Debounce() time.Duration {
	return time.Duration(r.DebounceMS) * time.Millisecond
}

// VoiceConfig specifies the TTS voice parameters.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Stability is in [0, 1]. 0 means the provider default.
	Stability float64 `yaml:"stability"`

	// SimilarityBoost is in [0, 1]. 0 means the provider default.
	SimilarityBoost float64 `yaml:"similarity_boost"`
}

// SignVideoConfig configures the text-to-sign-video lookup route. The route is
// disabled when BaseURL is empty.
type SignVideoConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ResilienceConfig tunes the circuit breaker placed in front of every provider.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// TelemetryConfig controls the metrics and tracing setup.
type TelemetryConfig struct {
	// ServiceName is reported as the OpenTelemetry service.name resource.
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where the Prometheus scrape endpoint is mounted.
	// Default: "/metrics".
	MetricsPath string `yaml:"metrics_path"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxFrameBytes == 0 {
		cfg.Server.MaxFrameBytes = DefaultMaxFrameBytes
	}

	if cfg.Providers.Recognizer.Name == "" {
		cfg.Providers.Recognizer.Name = "http"
	}
	if cfg.Providers.Recognizer.Name == "http" && cfg.Providers.Recognizer.BaseURL == "" {
		cfg.Providers.Recognizer.BaseURL = DefaultRecognizerURL
	}
	if cfg.Providers.TTS.Name == "" {
		cfg.Providers.TTS.Name = "elevenlabs"
	}
	if cfg.Providers.TTS.Name == "elevenlabs" && cfg.Providers.TTS.Model == "" {
		cfg.Providers.TTS.Model = DefaultTTSModel
	}

	r := &cfg.Relay
	if r.DebounceMS == 0 {
		r.DebounceMS = DefaultDebounceMS
	}
	if r.ClassifyTimeout == 0 {
		r.ClassifyTimeout = DefaultClassifyTimeout
	}
	if r.SynthesisTimeout == 0 {
		r.SynthesisTimeout = DefaultSynthesisTimeout
	}
	if r.NoSignMessage == "" {
		r.NoSignMessage = DefaultNoSignMessage
	}
	if r.Voice.VoiceID == "" {
		r.Voice.VoiceID = DefaultVoiceID
	}
	if r.OutboundBuffer == 0 {
		r.OutboundBuffer = DefaultOutboundBuffer
	}
	if r.MaxInflightFrames == 0 {
		r.MaxInflightFrames = DefaultMaxInflightFrames
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = "/metrics"
	}
}
