// Command signbridge is the entry point for the sign-to-speech relay server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/signbridge/internal/app"
	"github.com/MrWong99/signbridge/internal/config"
	"github.com/MrWong99/signbridge/internal/observe"
	"github.com/MrWong99/signbridge/internal/resilience"
	"github.com/MrWong99/signbridge/pkg/provider/recognizer"
	"github.com/MrWong99/signbridge/pkg/provider/recognizer/httpapi"
	"github.com/MrWong99/signbridge/pkg/provider/tts"
	"github.com/MrWong99/signbridge/pkg/provider/tts/elevenlabs"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "signbridge",
		Short:         "Relay sign-language video frames to spoken audio",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (optional; env overrides always apply)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the relay server (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration, then print a summary",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				printStartupSummary(cmd.OutOrStdout(), cfg)
				return nil
			},
		},
		&cobra.Command{
			Use:   "voices",
			Short: "List the voices offered by the configured TTS provider",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runVoices(cmd.Context(), cmd.OutOrStdout(), configPath)
			},
		},
	)
	return root
}

// ── serve ─────────────────────────────────────────────────────────────────────

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("signbridge starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := buildApp(ctx, cfg, configPath, level)
	if err != nil {
		return err
	}

	printStartupSummary(os.Stdout, cfg)

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// buildApp initialises telemetry, creates the providers named in cfg and wires
// them into an [app.App]. A non-empty configPath enables hot reload.
func buildApp(ctx context.Context, cfg *config.Config, configPath string, level *slog.LevelVar) (*app.App, error) {
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	fail := func(err error) (*app.App, error) {
		return nil, errors.Join(err, tel.Shutdown(context.Background()))
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Relay)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return fail(err)
	}

	opts := []app.Option{
		app.WithTelemetry(tel),
		app.WithLevelVar(level),
	}

	var application *app.App
	if configPath != "" {
		w, err := config.NewWatcher(configPath, func(old, new *config.Config) {
			application.ApplyConfig(old, new)
		})
		if err != nil {
			return fail(err)
		}
		opts = append(opts, app.WithWatcher(w))
	}

	application, err = app.New(ctx, cfg, providers, opts...)
	if err != nil {
		return fail(err)
	}
	return application, nil
}

// loadConfig reads path when given, or builds the config from defaults and
// environment variables alone.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadFromReader(strings.NewReader(""))
	} else {
		cfg, err = config.Load(path)
	}
	switch {
	case err == nil:
		return cfg, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config file %q not found: copy configs/example.yaml to get started", path)
	default:
		return nil, err
	}
}

// ── voices ────────────────────────────────────────────────────────────────────

func runVoices(ctx context.Context, out io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Relay)
	p, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	voices, err := p.ListVoices(ctx)
	if err != nil {
		return fmt.Errorf("list voices: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDETAILS")
	for _, v := range voices {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.ID, v.Name, v.Metadata["category"])
	}
	return tw.Flush()
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Entries without their own timeout inherit the relay timeout for their kind.
func registerBuiltinProviders(reg *config.Registry, relay config.RelayConfig) {
	reg.RegisterRecognizer("http", func(entry config.ProviderEntry) (recognizer.Provider, error) {
		opts := []httpapi.Option{httpapi.WithTimeout(entryTimeout(entry, relay.ClassifyTimeout))}
		if path := entry.OptionString("path"); path != "" {
			opts = append(opts, httpapi.WithPath(path))
		}
		return httpapi.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{elevenlabs.WithTimeout(entryTimeout(entry, relay.SynthesisTimeout))}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := entry.OptionString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func entryTimeout(entry config.ProviderEntry, relayTimeout time.Duration) time.Duration {
	if entry.Timeout > 0 {
		return entry.Timeout
	}
	return relayTimeout
}

// buildProviders instantiates the configured providers and wraps each kind in
// a fallback group with one circuit breaker per backend.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			HalfOpenMax:  cfg.Resilience.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit changed", "provider", name, "from", from, "to", to)
			},
		},
	}

	primaryRec, err := reg.CreateRecognizer(cfg.Providers.Recognizer)
	if err != nil {
		return nil, fmt.Errorf("create recognizer provider %q: %w", cfg.Providers.Recognizer.Name, err)
	}
	rec := resilience.NewRecognizerFallback(primaryRec, cfg.Providers.Recognizer.Name, fbCfg)
	for i, e := range cfg.Providers.RecognizerFallbacks {
		p, err := reg.CreateRecognizer(e)
		if err != nil {
			return nil, fmt.Errorf("create recognizer fallback %d (%q): %w", i, e.Name, err)
		}
		rec.AddFallback(fmt.Sprintf("%s#%d", e.Name, i+1), p)
	}
	slog.Info("provider created", "kind", "recognizer", "chain", rec.Names())

	primaryTTS, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	synth := resilience.NewTTSFallback(primaryTTS, cfg.Providers.TTS.Name, fbCfg)
	for i, e := range cfg.Providers.TTSFallbacks {
		p, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %d (%q): %w", i, e.Name, err)
		}
		synth.AddFallback(fmt.Sprintf("%s#%d", e.Name, i+1), p)
	}
	slog.Info("provider created", "kind", "tts", "chain", synth.Names())

	return &app.Providers{Recognizer: rec, TTS: synth}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       signbridge startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Recognizer", cfg.Providers.Recognizer.Name+" "+cfg.Providers.Recognizer.BaseURL)
	printRow(w, "TTS", cfg.Providers.TTS.Name+" / "+cfg.Providers.TTS.Model)
	printRow(w, "Voice", cfg.Relay.Voice.VoiceID)
	printRow(w, "Debounce", cfg.Relay.Debounce().String())
	printRow(w, "Fallbacks", fmt.Sprintf("%d rec / %d tts", len(cfg.Providers.RecognizerFallbacks), len(cfg.Providers.TTSFallbacks)))
	if cfg.SignVideo.BaseURL != "" {
		printRow(w, "Sign video", "enabled")
	} else {
		printRow(w, "Sign video", "(disabled)")
	}
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	r := []rune(value)
	if len(r) > 22 {
		value = string(r[:21]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s : %-22s ║\n", label, value)
}
