package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/signbridge/internal/app"
	"github.com/MrWong99/signbridge/internal/config"
	"github.com/MrWong99/signbridge/internal/observe"
	recmock "github.com/MrWong99/signbridge/pkg/provider/recognizer/mock"
	ttsmock "github.com/MrWong99/signbridge/pkg/provider/tts/mock"
)

// testConfig returns a defaulted config with a short debounce.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Relay:  config.RelayConfig{DebounceMS: 80},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testProviders() (*app.Providers, *recmock.Provider, *ttsmock.Provider) {
	rec := &recmock.Provider{Default: "A"}
	synth := &ttsmock.Provider{Audio: []byte("mp3")}
	return &app.Providers{Recognizer: rec, TTS: synth}, rec, synth
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

type fakeLooker struct{ url string }

func (f fakeLooker) Lookup(context.Context, string) (string, error) { return f.url, nil }

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	for _, p := range []*app.Providers{nil, {}, {Recognizer: &recmock.Provider{}}} {
		if _, err := app.New(context.Background(), testConfig(), p); err == nil {
			t.Errorf("New(%+v): expected error", p)
		}
	}
}

func TestNew_InvalidSignVideoURL(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.SignVideo.BaseURL = "not a url"
	providers, _, _ := testProviders()
	if _, err := app.New(context.Background(), cfg, providers, app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected error for invalid signvideo base url")
	}
}

func TestRouter_Health(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingErr    error
		path       string
		wantStatus int
	}{
		{name: "healthz", path: "/healthz", wantStatus: http.StatusOK},
		{name: "readyz ok", path: "/readyz", wantStatus: http.StatusOK},
		{name: "readyz recognizer down", path: "/readyz", pingErr: errors.New("unreachable"), wantStatus: http.StatusServiceUnavailable},
		{name: "metrics", path: "/metrics", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			providers, rec, _ := testProviders()
			rec.PingErr = tt.pingErr
			a := newApp(t, testConfig(), providers)

			w := httptest.NewRecorder()
			a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("GET %s = %d, want %d (body %s)", tt.path, w.Code, tt.wantStatus, w.Body)
			}
		})
	}
}

func TestRouter_GetSign(t *testing.T) {
	t.Parallel()
	providers, _, _ := testProviders()
	a := newApp(t, testConfig(), providers, app.WithSignVideo(fakeLooker{url: "https://cdn.example/hi.mp4"}))

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/get-sign", strings.NewReader(`{"text":"hi"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body)
	}
	var out map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["video_url"] != "https://cdn.example/hi.mp4" {
		t.Errorf("video_url = %q", out["video_url"])
	}
}

func TestRouter_GetSignDisabled(t *testing.T) {
	t.Parallel()
	providers, _, _ := testProviders()
	a := newApp(t, testConfig(), providers)

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/get-sign", strings.NewReader(`{"text":"hi"}`)))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRouter_StaticDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>signbridge</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Server.StaticDir = dir
	providers, _, _ := testProviders()
	a := newApp(t, cfg, providers)

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "signbridge") {
		t.Fatalf("GET / = %d %q", w.Code, w.Body)
	}
}

func TestRouter_WebSocketEndToEnd(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"/ws", "/"} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			providers, _, synth := testProviders()
			a := newApp(t, testConfig(), providers)
			srv := httptest.NewServer(a.Handler())
			t.Cleanup(srv.Close)

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer conn.CloseNow()

			if err := conn.Write(ctx, websocket.MessageBinary, []byte("jpeg")); err != nil {
				t.Fatalf("Write: %v", err)
			}
			typ, data, err := conn.Read(ctx)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if typ != websocket.MessageText || string(data) != `{"type":"live_text","data":"A"}` {
				t.Fatalf("first message = (%v, %s)", typ, data)
			}
			typ, data, err = conn.Read(ctx)
			if err != nil {
				t.Fatalf("Read audio: %v", err)
			}
			if typ != websocket.MessageBinary || string(data) != "mp3" {
				t.Fatalf("audio = (%v, %q)", typ, data)
			}
			if calls := synth.Calls(); len(calls) != 1 || calls[0].Voice.ID != config.DefaultVoiceID {
				t.Errorf("synthesize calls = %+v", calls)
			}
		})
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()
	providers, _, _ := testProviders()
	lv := new(slog.LevelVar)
	old := testConfig()
	a := newApp(t, old, providers, app.WithLevelVar(lv))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Relay.DebounceMS = 2500
	next.Server.ListenAddr = ":9999"
	a.ApplyConfig(old, next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	if got := a.Registry().Debounce(); got != 2500*time.Millisecond {
		t.Errorf("debounce = %v, want 2.5s", got)
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	providers, _, _ := testProviders()
	a := newApp(t, testConfig(), providers)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return within 5s after cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want 503", w.Code)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Not parallel: it swaps the default logger.
func TestApp_ShutdownAfterServeDrainsOnce(t *testing.T) {
	logs := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	providers, _, _ := testProviders()
	a := newApp(t, testConfig(), providers)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dialCancel()
	var conn *websocket.Conn
	for {
		c, _, err := websocket.Dial(dialCtx, "ws://"+ln.Addr().String()+"/ws", nil)
		if err == nil {
			conn = c
			break
		}
		if dialCtx.Err() != nil {
			t.Fatalf("Dial: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer conn.CloseNow()

	// A reply proves the server is reading this connection.
	if err := conn.Write(dialCtx, websocket.MessageBinary, []byte("jpeg")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, _, err := conn.Read(dialCtx); err != nil {
		t.Fatalf("Read: %v", err)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Serve() = %v, want nil", err)
	}
	for {
		_, _, err := conn.Read(dialCtx)
		if err == nil {
			continue
		}
		if websocket.CloseStatus(err) != websocket.StatusGoingAway {
			t.Errorf("client close = %v, want StatusGoingAway", err)
		}
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if strings.Contains(logs.String(), "http server shutdown") {
		t.Errorf("second shutdown logged a warning:\n%s", logs.String())
	}
}
