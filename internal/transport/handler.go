// Package transport accepts WebSocket connections from sign-language clients
// and binds each one to a relay session.
//
// Inbound messages are image frames. Outbound messages are live_text and
// status JSON, error JSON, and binary audio. Each connection gets a fresh
// uuid; the session lives exactly as long as the connection.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/signbridge/internal/observe"
	"github.com/MrWong99/signbridge/internal/relay"
)

// MalformedFrameMessage is the error text sent for frames that cannot be
// decoded.
const MalformedFrameMessage = "Failed to process frame."

// BusyMessage is the status text sent when frames are dropped because the
// classifier is still busy with earlier ones.
const BusyMessage = "Still working on earlier frames; some frames were skipped."

const (
	defaultMaxFrameBytes     = 4 << 20
	defaultOutboundBuffer    = 64
	defaultMaxInflightFrames = 4
	defaultWriteTimeout      = 10 * time.Second
	defaultBusyInterval      = time.Second
)

// Option configures a [Handler].
type Option func(*Handler)

// WithMaxFrameBytes caps the size of one inbound message.
func WithMaxFrameBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxFrameBytes = n
		}
	}
}

// WithOutboundBuffer sets the per-connection outbound queue length.
func WithOutboundBuffer(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.outboundBuffer = n
		}
	}
}

// WithMaxInflightFrames bounds concurrent frame classifications per
// connection. Frames arriving while the bound is reached are dropped.
func WithMaxInflightFrames(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxInflight = int64(n)
		}
	}
}

// WithBusyNoticeInterval sets the minimum gap between two [BusyMessage]
// statuses on one connection.
func WithBusyNoticeInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.busyInterval = d
		}
	}
}

// WithOriginPatterns restricts which browser origins may connect. Without
// patterns, any origin is accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) {
		h.originPatterns = append(h.originPatterns, patterns...)
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithIDGenerator replaces uuid-based connection ids. Mainly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(h *Handler) {
		if fn != nil {
			h.newID = fn
		}
	}
}

// Handler is an [http.Handler] that upgrades requests to WebSocket and runs
// one relay session per connection.
type Handler struct {
	reg            *relay.Registry
	maxFrameBytes  int64
	outboundBuffer int
	maxInflight    int64
	writeTimeout   time.Duration
	busyInterval   time.Duration
	originPatterns []string
	metrics        *observe.Metrics
	newID          func() string

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewHandler returns a Handler that creates sessions in reg.
func NewHandler(reg *relay.Registry, opts ...Option) *Handler {
	h := &Handler{
		reg:            reg,
		maxFrameBytes:  defaultMaxFrameBytes,
		outboundBuffer: defaultOutboundBuffer,
		maxInflight:    defaultMaxInflightFrames,
		writeTimeout:   defaultWriteTimeout,
		busyInterval:   defaultBusyInterval,
		metrics:        observe.DefaultMetrics(),
		newID:          uuid.NewString,
		conns:          make(map[string]*websocket.Conn),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.originPatterns,
		InsecureSkipVerify: len(h.originPatterns) == 0,
	})
	if err != nil {
		// Accept already wrote the HTTP error response.
		slog.Debug("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(h.maxFrameBytes)

	id := h.newID()
	log := slog.Default().With("session_id", id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(id, conn, h.outboundBuffer, h.writeTimeout)
	sess, err := h.reg.Create(id, c)
	if err != nil {
		log.Error("create session", "err", err)
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	h.track(id, conn)
	defer func() {
		h.untrack(id)
		c.close()
		h.reg.Remove(id)
	}()

	log.Info("client connected", "remote", r.RemoteAddr)

	go func() {
		if err := c.writeLoop(ctx); err != nil {
			log.Debug("writer stopped", "err", err)
		}
		// A dead writer means a dead connection.
		cancel()
	}()

	err = h.readLoop(ctx, conn, sess)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("client disconnected")
	case errors.Is(err, context.Canceled):
		log.Info("connection closed by server")
	default:
		log.Warn("connection lost", "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop reads messages until the connection fails and dispatches each
// decoded frame to the session on its own goroutine.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sess *relay.Session) error {
	sem := semaphore.NewWeighted(h.maxInflight)
	// Classification outlives the connection; the session drops late results.
	frameCtx := context.WithoutCancel(ctx)
	var lastBusy time.Time

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		frame, err := DecodeFrame(typ, data)
		if err != nil {
			h.metrics.RecordFrame(ctx, "malformed")
			slog.Debug("malformed frame", "session_id", sess.ID(), "err", err)
			_ = sess.ReportError(MalformedFrameMessage)
			continue
		}

		if !sem.TryAcquire(1) {
			h.metrics.RecordFrame(ctx, "dropped")
			slog.Debug("frame dropped, classifier busy", "session_id", sess.ID())
			if now := time.Now(); now.Sub(lastBusy) >= h.busyInterval {
				lastBusy = now
				_ = sess.ReportStatus(BusyMessage)
			}
			continue
		}
		go func() {
			defer sem.Release(1)
			sess.OnFrame(frameCtx, frame)
		}()
	}
}

func (h *Handler) track(id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[id] = conn
}

func (h *Handler) untrack(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

// Len returns the number of open connections.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll closes every open connection with StatusGoingAway. Hijacked
// WebSocket connections are not closed by [http.Server.Shutdown].
func (h *Handler) CloseAll(reason string) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, reason)
	}
}
