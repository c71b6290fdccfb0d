package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSessionExists is returned by [Registry.Create] for an id that already has
// a live session.
var ErrSessionExists = errors.New("relay: session already exists")

// Registry maps connection ids to their [Session]. It is safe for concurrent
// use.
type Registry struct {
	base     context.Context
	cfg      Config
	debounce atomic.Int64

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry whose sessions share cfg. ctx parents
// all timer-driven work; it is normally the process context with cancellation
// stripped so shutdown can drain in-flight synthesis.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Recognizer == nil {
		return nil, errors.New("relay: recognizer must not be nil")
	}
	if cfg.Synthesizer == nil {
		return nil, errors.New("relay: synthesizer must not be nil")
	}
	cfg = cfg.withDefaults()
	r := &Registry{
		base:     context.WithoutCancel(ctx),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	r.debounce.Store(int64(cfg.Debounce))
	return r, nil
}

// Create registers a fresh Idle session for id. Events for the session go to
// emit only.
func (r *Registry) Create(id string, emit Emitter) (*Session, error) {
	if id == "" {
		return nil, errors.New("relay: session id must not be empty")
	}
	if emit == nil {
		return nil, errors.New("relay: emitter must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	cfg := r.cfg
	cfg.Debounce = time.Duration(r.debounce.Load())
	s := newSession(r.base, id, cfg, emit)
	r.sessions[id] = s
	r.cfg.Metrics.ActiveSessions.Add(r.base, 1)

	slog.Info("session created", "session_id", id, "debounce", cfg.Debounce)
	return s, nil
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove closes and forgets the session for id. Unknown ids are a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.OnClose()
	r.cfg.Metrics.ActiveSessions.Add(r.base, -1)
	slog.Info("session removed", "session_id", id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SetDebounce changes the debounce interval for sessions created from now on.
// Existing sessions keep their interval. Non-positive values are ignored.
func (r *Registry) SetDebounce(d time.Duration) {
	if d <= 0 {
		return
	}
	r.debounce.Store(int64(d))
}

// Debounce returns the interval new sessions will use.
func (r *Registry) Debounce() time.Duration {
	return time.Duration(r.debounce.Load())
}

// CloseAll closes and forgets every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.OnClose()
	}
	if n := len(sessions); n > 0 {
		r.cfg.Metrics.ActiveSessions.Add(r.base, -int64(n))
		slog.Info("closed all sessions", "count", n)
	}
}
