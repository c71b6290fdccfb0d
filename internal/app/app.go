// Package app wires all signbridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the relay registry, the
// WebSocket transport and the HTTP router, Run serves until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSignVideo,
// WithMetrics, etc.) and drive [App.Handler] with httptest.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/signbridge/internal/config"
	"github.com/MrWong99/signbridge/internal/health"
	"github.com/MrWong99/signbridge/internal/observe"
	"github.com/MrWong99/signbridge/internal/relay"
	"github.com/MrWong99/signbridge/internal/signvideo"
	"github.com/MrWong99/signbridge/internal/transport"
	"github.com/MrWong99/signbridge/pkg/provider/recognizer"
	"github.com/MrWong99/signbridge/pkg/provider/tts"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownReason    = "server shutting down"
)

// Providers holds the two provider slots. Both are required. Populated by
// main.go via the config registry, usually wrapped in resilience fallbacks.
type Providers struct {
	Recognizer recognizer.Provider
	TTS        tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	levelVar  *slog.LevelVar
	scheduler relay.Scheduler
	signVideo signvideo.Looker
	watcher   *config.Watcher

	registry *relay.Registry
	ws       *transport.Handler
	health   *health.Handler
	router   chi.Router
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	drainOnce sync.Once
	stopOnce  sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Default: the telemetry metrics when
// [WithTelemetry] is given, else [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry mounts the Prometheus handler of t at the configured metrics
// path and flushes t on shutdown.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithLevelVar lets config hot reload change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithScheduler replaces the debounce timer source. Mainly for tests.
func WithScheduler(s relay.Scheduler) Option {
	return func(a *App) { a.scheduler = s }
}

// WithSignVideo injects the /get-sign backend instead of creating one from
// config.
func WithSignVideo(l signvideo.Looker) Option {
	return func(a *App) { a.signVideo = l }
}

// WithWatcher runs w during [App.Run] and applies its changes live.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Recognizer == nil || providers.TTS == nil {
		return nil, errors.New("app: recognizer and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		if a.telemetry != nil {
			a.metrics = a.telemetry.Metrics
		} else {
			a.metrics = observe.DefaultMetrics()
		}
	}

	// ── 1. Relay registry ────────────────────────────────────────────────
	reg, err := relay.NewRegistry(ctx, relay.Config{
		Recognizer:       providers.Recognizer,
		Synthesizer:      providers.TTS,
		Voice:            VoiceProfile(cfg),
		Debounce:         cfg.Relay.Debounce(),
		ClassifyTimeout:  cfg.Relay.ClassifyTimeout,
		SynthesisTimeout: cfg.Relay.SynthesisTimeout,
		NoSignMessage:    cfg.Relay.NoSignMessage,
		Scheduler:        a.scheduler,
		Metrics:          a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init relay: %w", err)
	}
	a.registry = reg

	// ── 2. WebSocket transport ───────────────────────────────────────────
	a.ws = transport.NewHandler(reg,
		transport.WithMaxFrameBytes(cfg.Server.MaxFrameBytes),
		transport.WithOutboundBuffer(cfg.Relay.OutboundBuffer),
		transport.WithMaxInflightFrames(cfg.Relay.MaxInflightFrames),
		transport.WithMetrics(a.metrics),
	)

	// ── 3. Sign video lookup ─────────────────────────────────────────────
	if err := a.initSignVideo(); err != nil {
		return nil, fmt.Errorf("app: init signvideo: %w", err)
	}

	// ── 4. Health ────────────────────────────────────────────────────────
	a.health = health.New(a.healthCheckers()...)

	// ── 5. Router + server ───────────────────────────────────────────────
	a.router = a.buildRouter()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if a.telemetry != nil {
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.telemetry.Shutdown(ctx)
		})
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initSignVideo() error {
	if a.signVideo != nil || a.cfg.SignVideo.BaseURL == "" {
		return nil
	}
	c, err := signvideo.New(a.cfg.SignVideo.BaseURL, signvideo.WithTimeout(a.cfg.SignVideo.Timeout))
	if err != nil {
		return err
	}
	a.signVideo = c
	return nil
}

// healthCheckers derives readiness checks from whatever the providers expose.
func (a *App) healthCheckers() []health.Checker {
	var checks []health.Checker
	if p, ok := a.providers.Recognizer.(health.Pinger); ok {
		checks = append(checks, health.PingChecker("recognizer", p))
	} else if h, ok := a.providers.Recognizer.(healthReporter); ok {
		checks = append(checks, health.FuncChecker("recognizer", h.Healthy))
	}
	if h, ok := a.providers.TTS.(healthReporter); ok {
		checks = append(checks, health.FuncChecker("tts", h.Healthy))
	}
	return checks
}

// healthReporter is implemented by the resilience fallback wrappers.
type healthReporter interface {
	Healthy() error
}

func (a *App) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(a.metrics))

	a.health.Register(r)

	metricsHandler := promhttp.Handler()
	if a.telemetry != nil {
		metricsHandler = a.telemetry.Handler()
	}
	metricsPath := a.cfg.Telemetry.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Handle(metricsPath, metricsHandler)

	r.Handle("/ws", a.ws)

	if a.signVideo != nil {
		r.Method(http.MethodPost, "/get-sign", signvideo.NewHandler(a.signVideo))
	}

	// Older browser clients open the socket on "/" rather than "/ws".
	var static http.Handler = http.NotFoundHandler()
	if dir := a.cfg.Server.StaticDir; dir != "" {
		static = http.FileServer(http.Dir(dir))
	}
	r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if isWebSocketUpgrade(req) {
			a.ws.ServeHTTP(w, req)
			return
		}
		static.ServeHTTP(w, req)
	}))
	return r
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.router }

// Registry returns the relay session registry.
func (a *App) Registry() *relay.Registry { return a.registry }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled or
// the server fails. It also runs the config watcher when one was given.
// Call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			err = a.server.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	// Stop accepting once the context ends so Serve returns.
	g.Go(func() error {
		<-gctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.drain(ctx)
		return nil
	})

	return g.Wait()
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// It is the watcher's onChange callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DebounceChanged {
		a.registry.SetDebounce(d.NewDebounce)
		slog.Info("debounce changed; applies to new connections", "debounce", d.NewDebounce)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changed in sections that need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops the HTTP server, closes every
// WebSocket connection and session, and then runs the closers. If ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.registry.Len())

		a.drain(ctx)
		a.registry.CloseAll()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// drain flips readiness, closes every WebSocket and stops the HTTP server.
// Only the first call does anything.
func (a *App) drain(ctx context.Context) {
	a.drainOnce.Do(func() {
		a.health.SetDraining()
		a.ws.CloseAll(shutdownReason)
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
	})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// VoiceProfile converts the relay voice config to a tts.VoiceProfile.
func VoiceProfile(cfg *config.Config) tts.VoiceProfile {
	v := cfg.Relay.Voice
	return tts.VoiceProfile{
		ID:              v.VoiceID,
		Provider:        cfg.Providers.TTS.Name,
		Stability:       v.Stability,
		SimilarityBoost: v.SimilarityBoost,
	}
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
