package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/signbridge/internal/observe"
	"github.com/MrWong99/signbridge/internal/relay"
	"github.com/MrWong99/signbridge/pkg/provider/recognizer"
	recmock "github.com/MrWong99/signbridge/pkg/provider/recognizer/mock"
	ttsmock "github.com/MrWong99/signbridge/pkg/provider/tts/mock"
)

const testDebounce = 150 * time.Millisecond

// echoRecognizer classifies a frame as its own content. "?" means no sign.
func echoRecognizer() recmock.Func {
	return func(_ context.Context, frame []byte) (string, error) {
		if string(frame) == "?" {
			return "", nil
		}
		return string(frame), nil
	}
}

type server struct {
	reg *relay.Registry
	h   *Handler
	srv *httptest.Server
	tts *ttsmock.Provider
}

func newServer(t *testing.T, rec recognizer.Provider, opts ...Option) *server {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	synth := &ttsmock.Provider{Audio: []byte("mp3-bytes")}
	reg, err := relay.NewRegistry(context.Background(), relay.Config{
		Recognizer:  rec,
		Synthesizer: synth,
		Debounce:    testDebounce,
		Metrics:     m,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h := NewHandler(reg, append([]Option{WithMetrics(m)}, opts...)...)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.CloseAll("test done")
		srv.Close()
		reg.CloseAll()
	})
	return &server{reg: reg, h: h, srv: srv, tts: synth}
}

func (s *server) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, []byte(data)); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

type message struct {
	Type  string `json:"type"`
	Data  string `json:"data"`
	Error string `json:"error"`
}

func readText(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text (payload %q)", typ, data)
	}
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_SpellsWordAndSpeaksIt(t *testing.T) {
	t.Parallel()
	s := newServer(t, echoRecognizer(), WithMaxInflightFrames(1))
	conn := s.dial(t)

	send(t, conn, websocket.MessageBinary, "H")
	if m := readText(t, conn); m.Type != "live_text" || m.Data != "H" {
		t.Fatalf("first message = %+v, want live_text H", m)
	}
	send(t, conn, websocket.MessageText, base64.StdEncoding.EncodeToString([]byte("I")))
	if m := readText(t, conn); m.Type != "live_text" || m.Data != "HI" {
		t.Fatalf("second message = %+v, want live_text HI", m)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read audio: %v", err)
	}
	if typ != websocket.MessageBinary || string(data) != "mp3-bytes" {
		t.Fatalf("audio = (%v, %q), want binary mp3-bytes", typ, data)
	}

	calls := s.tts.Calls()
	if len(calls) != 1 || calls[0].Text != "HI" {
		t.Fatalf("synthesize calls = %+v, want one call for HI", calls)
	}
}

func TestHandler_DataURLFrame(t *testing.T) {
	t.Parallel()
	s := newServer(t, echoRecognizer())
	conn := s.dial(t)

	send(t, conn, websocket.MessageText, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString([]byte("B")))
	if m := readText(t, conn); m.Type != "live_text" || m.Data != "B" {
		t.Fatalf("message = %+v, want live_text B", m)
	}
}

func TestHandler_MalformedFrameKeepsConnection(t *testing.T) {
	t.Parallel()
	s := newServer(t, echoRecognizer())
	conn := s.dial(t)

	send(t, conn, websocket.MessageText, "%%% not base64 %%%")
	if m := readText(t, conn); m.Error != MalformedFrameMessage {
		t.Fatalf("message = %+v, want error %q", m, MalformedFrameMessage)
	}

	send(t, conn, websocket.MessageBinary, "A")
	if m := readText(t, conn); m.Type != "live_text" || m.Data != "A" {
		t.Fatalf("message after malformed = %+v, want live_text A", m)
	}
}

func TestHandler_NoSignSendsStatus(t *testing.T) {
	t.Parallel()
	s := newServer(t, echoRecognizer())
	conn := s.dial(t)

	send(t, conn, websocket.MessageBinary, "?")
	m := readText(t, conn)
	if m.Type != "status" || m.Data != relay.DefaultNoSignMessage {
		t.Fatalf("message = %+v, want status %q", m, relay.DefaultNoSignMessage)
	}
}

func TestHandler_DisconnectRemovesSession(t *testing.T) {
	t.Parallel()
	s := newServer(t, echoRecognizer())
	s.reg.SetDebounce(300 * time.Millisecond)
	conn := s.dial(t)

	send(t, conn, websocket.MessageBinary, "A")
	readText(t, conn)
	if got := s.reg.Len(); got != 1 {
		t.Fatalf("sessions = %d, want 1", got)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return s.reg.Len() == 0 && s.h.Len() == 0 })

	// The pending word was discarded with the session.
	time.Sleep(400 * time.Millisecond)
	if calls := s.tts.Calls(); len(calls) != 0 {
		t.Fatalf("synthesize calls after disconnect = %d, want 0", len(calls))
	}
}

func TestHandler_ConnectionsAreIsolated(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	s := newServer(t, echoRecognizer(), WithIDGenerator(func() string {
		return fmt.Sprintf("conn-%d", n.Add(1))
	}))
	a := s.dial(t)
	b := s.dial(t)

	send(t, a, websocket.MessageBinary, "X")
	if m := readText(t, a); m.Data != "X" {
		t.Fatalf("a got %+v, want X", m)
	}
	send(t, b, websocket.MessageBinary, "Y")
	if m := readText(t, b); m.Data != "Y" {
		t.Fatalf("b got %+v, want Y (not XY)", m)
	}
	if got := s.reg.Len(); got != 2 {
		t.Fatalf("sessions = %d, want 2", got)
	}
}

// gatedRecognizer echoes frames once gate is closed and counts calls.
func gatedRecognizer(gate <-chan struct{}, calls *atomic.Int32) recmock.Func {
	return func(ctx context.Context, frame []byte) (string, error) {
		calls.Add(1)
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return string(frame), nil
	}
}

func TestHandler_DropsFramesBeyondInflightBound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		interval   time.Duration
		wantNotice int
	}{
		{name: "throttled", interval: time.Minute, wantNotice: 1},
		{name: "every drop", interval: time.Nanosecond, wantNotice: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gate := make(chan struct{})
			var calls atomic.Int32
			s := newServer(t, gatedRecognizer(gate, &calls),
				WithMaxInflightFrames(1), WithBusyNoticeInterval(tt.interval))
			conn := s.dial(t)

			send(t, conn, websocket.MessageBinary, "A")
			waitFor(t, func() bool { return calls.Load() == 1 })
			send(t, conn, websocket.MessageBinary, "B")
			send(t, conn, websocket.MessageBinary, "C")

			// Reads are sequential, so once the malformed reply arrives B and C
			// were handled.
			send(t, conn, websocket.MessageText, "")
			for i := 0; i < tt.wantNotice; i++ {
				if m := readText(t, conn); m.Type != "status" || m.Data != BusyMessage {
					t.Fatalf("message %d = %+v, want busy status", i, m)
				}
			}
			if m := readText(t, conn); m.Error != MalformedFrameMessage {
				t.Fatalf("message = %+v, want malformed error", m)
			}

			close(gate)
			if m := readText(t, conn); m.Type != "live_text" || m.Data != "A" {
				t.Fatalf("message = %+v, want live_text A", m)
			}
			if got := calls.Load(); got != 1 {
				t.Fatalf("recognizer calls = %d, want 1", got)
			}
		})
	}
}

func TestHandler_CloseAll(t *testing.T) {
	t.Parallel()
	s := newServer(t, echoRecognizer())
	conn := s.dial(t)
	waitFor(t, func() bool { return s.h.Len() == 1 })

	s.h.CloseAll("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("close status = %v (err %v), want StatusGoingAway", got, err)
	}
	waitFor(t, func() bool { return s.reg.Len() == 0 })
}
