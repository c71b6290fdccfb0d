// Package relay implements the per-connection state machine that turns a
// stream of classified sign symbols into spoken words.
//
// A [Session] accumulates distinct consecutive symbols into a word, emits the
// partial word after every accepted symbol, and finalizes the word once no new
// symbol has arrived for the debounce interval. Finalizing hands the word to
// the speech synthesizer exactly once and sends the resulting audio back to the
// same connection.
//
// A [Registry] owns one Session per connection id and is the only process-wide
// state. Sessions never share mutable state.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/signbridge/internal/observe"
	"github.com/MrWong99/signbridge/pkg/provider/recognizer"
	"github.com/MrWong99/signbridge/pkg/provider/tts"
)

const (
	// DefaultDebounce is the silence after the last accepted symbol that
	// completes a word.
	DefaultDebounce = 1500 * time.Millisecond

	// DefaultClassifyTimeout bounds a single recognizer call.
	DefaultClassifyTimeout = 5 * time.Second

	// DefaultSynthesisTimeout bounds a single synthesizer call.
	DefaultSynthesisTimeout = 15 * time.Second

	// DefaultNoSignMessage is the status sent for frames without a symbol.
	DefaultNoSignMessage = "No sign detected. Try again."
)

// ErrSessionClosed is returned by operations on a closed [Session].
var ErrSessionClosed = errors.New("relay: session closed")

// State is the observable phase of a [Session].
type State int

const (
	// StateIdle means no symbols are accumulated and no synthesis is running.
	StateIdle State = iota

	// StateAccumulating means the word is non-empty and the debounce timer is armed.
	StateAccumulating

	// StateFinalizing means a captured word is being synthesized and nothing new
	// has been accumulated since.
	StateFinalizing

	// StateClosed means the connection is gone.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the collaborators and tuning shared by every Session a
// [Registry] creates.
type Config struct {
	// Recognizer classifies frames. Required.
	Recognizer recognizer.Provider

	// Synthesizer turns finalized words into audio. Required.
	Synthesizer tts.Provider

	// Voice is passed to every Synthesize call.
	Voice tts.VoiceProfile

	// Debounce is the rearm interval. Default: [DefaultDebounce].
	Debounce time.Duration

	// ClassifyTimeout bounds each recognizer call. Default: [DefaultClassifyTimeout].
	ClassifyTimeout time.Duration

	// SynthesisTimeout bounds each synthesizer call. Default: [DefaultSynthesisTimeout].
	SynthesisTimeout time.Duration

	// NoSignMessage is the status text for frames without a symbol.
	// Default: [DefaultNoSignMessage].
	NoSignMessage string

	// Scheduler arms debounce timers. Default: [RealScheduler].
	Scheduler Scheduler

	// Metrics receives relay metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = DefaultClassifyTimeout
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = DefaultSynthesisTimeout
	}
	if c.NoSignMessage == "" {
		c.NoSignMessage = DefaultNoSignMessage
	}
	if c.Scheduler == nil {
		c.Scheduler = RealScheduler{}
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	return c
}

// Session is the aggregation state machine for one connection.
//
// OnFrame may be called concurrently; the classifier call runs without holding
// the session lock, and all state mutation and event emission happen under it.
// The debounce timer callback takes the same lock, so frame handling and timer
// handling never interleave for one Session.
type Session struct {
	id   string
	cfg  Config
	emit Emitter
	log  *slog.Logger

	// baseCtx parents timer-driven work. It outlives the connection so that
	// in-flight synthesis is not cancelled by a disconnect.
	baseCtx context.Context

	mu         sync.Mutex
	word       string
	lastSymbol string
	timer      Timer
	gen        uint64 // incremented on every arm/close; stale timer fires compare against it
	finalizing int
	closed     bool
}

func newSession(ctx context.Context, id string, cfg Config, emit Emitter) *Session {
	return &Session{
		id:      id,
		cfg:     cfg,
		emit:    emit,
		log:     slog.Default().With("session_id", id),
		baseCtx: observe.WithSessionID(ctx, id),
	}
}

// ID returns the connection id the session belongs to.
func (s *Session) ID() string { return s.id }

// Debounce returns the rearm interval used by this session.
func (s *Session) Debounce() time.Duration { return s.cfg.Debounce }

// State reports the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return StateClosed
	case s.word != "":
		return StateAccumulating
	case s.finalizing > 0:
		return StateFinalizing
	default:
		return StateIdle
	}
}

// Word returns the symbols accumulated since the last finalization.
func (s *Session) Word() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.word
}

// OnFrame classifies frame and folds the result into the session.
//
//   - Classifier failure or no symbol: a status event; word, last symbol and
//     timer are untouched.
//   - Same symbol as the last accepted one: ignored.
//   - New symbol: appended, live_text emitted, debounce timer rearmed.
//
// ctx should not be tied to the connection; a disconnect must not cancel the
// classifier call. Frames arriving after [Session.OnClose] are ignored.
func (s *Session) OnFrame(ctx context.Context, frame []byte) {
	if s.isClosed() {
		return
	}

	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, s.id), "relay.frame")
	defer span.End()

	symbol, err := s.classify(ctx, frame)
	if err != nil {
		span.RecordError(err)
		observe.Logger(ctx).Debug("classify failed", "err", err)
	}
	if err != nil || symbol == "" {
		s.cfg.Metrics.RecordFrame(ctx, "no_sign")
		s.mu.Lock()
		if !s.closed {
			s.sendLocked(Status(s.cfg.NoSignMessage))
		}
		s.mu.Unlock()
		return
	}

	span.SetAttributes(attribute.String("symbol", symbol))
	s.accept(ctx, symbol)
}

func (s *Session) classify(ctx context.Context, frame []byte) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ClassifyTimeout)
	defer cancel()

	start := time.Now()
	symbol, err := s.cfg.Recognizer.Recognize(cctx, frame)
	s.cfg.Metrics.RecordProviderRequest(ctx, observe.KindRecognizer, time.Since(start).Seconds(), err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(symbol), nil
}

// accept applies the de-duplication and rearm rule for one symbol.
func (s *Session) accept(ctx context.Context, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if symbol == s.lastSymbol {
		s.cfg.Metrics.RecordFrame(ctx, "repeat")
		return
	}

	s.word += symbol
	s.lastSymbol = symbol
	s.cfg.Metrics.RecordFrame(ctx, "symbol")
	s.sendLocked(LiveText(s.word))
	s.rearmLocked()

	s.log.Debug("symbol accepted", "symbol", symbol, "word", s.word)
}

// rearmLocked cancels the pending timer, if any, and arms a fresh one for the
// full debounce interval. Must be called with s.mu held.
func (s *Session) rearmLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.cfg.Scheduler.AfterFunc(s.cfg.Debounce, func() { s.onTimerFire(gen) })
}

// onTimerFire captures and clears the word, then synthesizes it. Fires from a
// superseded timer (gen mismatch) are ignored.
func (s *Session) onTimerFire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	word := s.word
	s.word = ""
	s.lastSymbol = ""
	if strings.TrimSpace(word) == "" {
		s.mu.Unlock()
		return
	}
	s.finalizing++
	s.mu.Unlock()

	s.finalize(word)
}

// finalize invokes the synthesizer once for word and emits the audio on
// success. Failures and empty audio are dropped.
func (s *Session) finalize(word string) {
	defer func() {
		s.mu.Lock()
		s.finalizing--
		s.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(s.baseCtx, "relay.finalize",
		trace.WithAttributes(attribute.Int("word_length", len(word))))
	defer span.End()

	s.cfg.Metrics.WordsFinalized.Add(ctx, 1)

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SynthesisTimeout)
	start := time.Now()
	audio, err := s.cfg.Synthesizer.Synthesize(sctx, word, s.cfg.Voice)
	cancel()
	s.cfg.Metrics.RecordProviderRequest(ctx, observe.KindTTS, time.Since(start).Seconds(), err)

	log := observe.Logger(ctx).With("word", word)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		log.Warn("synthesis failed, dropping word", "err", err)
		return
	}
	if len(audio) == 0 {
		log.Warn("synthesis returned no audio, dropping word")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		log.Debug("session closed before audio was ready")
		return
	}
	s.sendLocked(Audio(audio))
	s.cfg.Metrics.AudioEvents.Add(ctx, 1)
	log.Info("word spoken", "audio_bytes", len(audio))
}

// OnClose cancels the pending timer and discards all state. Idempotent.
// In-flight classifier and synthesizer calls are left to finish; their
// results are dropped.
func (s *Session) OnClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.word = ""
	s.lastSymbol = ""
}

// ReportError sends an error event, e.g. for a malformed inbound message.
func (s *Session) ReportError(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.sendLocked(Error(msg))
	return nil
}

// ReportStatus sends a status event without touching the word or timer.
func (s *Session) ReportStatus(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.sendLocked(Status(msg))
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// sendLocked emits ev. Emission happens under s.mu so events leave in the
// order state changed. Must be called with s.mu held.
func (s *Session) sendLocked(ev Event) {
	if err := s.emit.Emit(ev); err != nil {
		s.log.Debug("emit failed, dropping event", "kind", ev.Kind.String(), "err", err)
	}
}
