package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrMissingCredential is returned (joined into the validation error) when a
// configured provider needs a credential that is not set. It is fatal at
// startup.
var ErrMissingCredential = errors.New("config: missing credential")

// Environment variables consulted by the loader. Values override the file.
const (
	EnvElevenLabsAPIKey = "ELEVENLABS_API_KEY"
	EnvVoiceID          = "SIGNBRIDGE_VOICE_ID"
	EnvDebounceMS       = "SIGNBRIDGE_DEBOUNCE_MS"
	EnvRecognizerURL    = "SIGNBRIDGE_RECOGNIZER_URL"
	EnvPort             = "PORT"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognizer": {"http"},
	"tts":        {"elevenlabs"},
}

// LoadOption configures [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	lookupEnv func(string) (string, bool)
}

// WithLookupEnv replaces [os.LookupEnv] as the source of environment
// overrides. Pass a function that always reports false to ignore the
// environment entirely.
func WithLookupEnv(fn func(string) (string, bool)) LoadOption {
	return func(o *loadOptions) {
		if fn != nil {
			o.lookupEnv = fn
		}
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string, opts ...LoadOption) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data), opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	o := loadOptions{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := applyEnv(cfg, o.lookupEnv); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv copies recognised environment variables into cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvElevenLabsAPIKey); ok && v != "" {
		if n := cfg.Providers.TTS.Name; n == "" || n == "elevenlabs" {
			cfg.Providers.TTS.APIKey = v
		}
	}
	if v, ok := lookup(EnvVoiceID); ok && v != "" {
		cfg.Relay.Voice.VoiceID = v
	}
	if v, ok := lookup(EnvDebounceMS); ok && v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvDebounceMS, v, err)
		}
		cfg.Relay.DebounceMS = ms
	}
	if v, ok := lookup(EnvRecognizerURL); ok && v != "" {
		cfg.Providers.Recognizer.BaseURL = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		if _, err := strconv.ParseUint(v, 10, 16); err != nil {
			return fmt.Errorf("config: %s=%q is not a port number", EnvPort, v)
		}
		cfg.Server.ListenAddr = ":" + v
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_frame_bytes %d must be positive", cfg.Server.MaxFrameBytes))
	}

	// Providers
	errs = append(errs, validateEntry("providers.recognizer", "recognizer", cfg.Providers.Recognizer)...)
	errs = append(errs, validateEntry("providers.tts", "tts", cfg.Providers.TTS)...)
	for i, e := range cfg.Providers.RecognizerFallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("providers.recognizer_fallbacks[%d]", i), "recognizer", e)...)
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("providers.tts_fallbacks[%d]", i), "tts", e)...)
	}

	// Relay
	r := cfg.Relay
	if r.DebounceMS < 0 || r.DebounceMS > 60_000 {
		errs = append(errs, fmt.Errorf("relay.debounce_ms %d is out of range [1, 60000]", r.DebounceMS))
	}
	if r.ClassifyTimeout < 0 {
		errs = append(errs, errors.New("relay.classify_timeout must not be negative"))
	}
	if r.SynthesisTimeout < 0 {
		errs = append(errs, errors.New("relay.synthesis_timeout must not be negative"))
	}
	if r.Voice.Stability < 0 || r.Voice.Stability > 1 {
		errs = append(errs, fmt.Errorf("relay.voice.stability %.2f is out of range [0, 1]", r.Voice.Stability))
	}
	if r.Voice.SimilarityBoost < 0 || r.Voice.SimilarityBoost > 1 {
		errs = append(errs, fmt.Errorf("relay.voice.similarity_boost %.2f is out of range [0, 1]", r.Voice.SimilarityBoost))
	}
	if r.OutboundBuffer < 0 {
		errs = append(errs, fmt.Errorf("relay.outbound_buffer %d must be positive", r.OutboundBuffer))
	}
	if r.MaxInflightFrames < 0 {
		errs = append(errs, fmt.Errorf("relay.max_inflight_frames %d must be positive", r.MaxInflightFrames))
	}

	// Sign video
	if cfg.SignVideo.BaseURL != "" {
		if err := validateURL(cfg.SignVideo.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("signvideo.base_url: %w", err))
		}
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 || cfg.Resilience.HalfOpenMax < 0 || cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateEntry checks one provider entry. kind selects the name list used
// for typo warnings.
func validateEntry(prefix, kind string, e ProviderEntry) []error {
	if e.Name == "" {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	var errs []error
	validateProviderName(kind, e.Name)

	switch e.Name {
	case "http":
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for the http recognizer (or set %s)", prefix, EnvRecognizerURL))
		} else if err := validateURL(e.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("%s.base_url: %w", prefix, err))
		}
	case "elevenlabs":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%w: %s.api_key is empty (or set %s)", ErrMissingCredential, prefix, EnvElevenLabsAPIKey))
		}
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must not be negative", prefix))
	}
	return errs
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http or https URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
