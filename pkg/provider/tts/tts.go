// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and turns
// a finished piece of text into one encoded audio payload. The relay calls it
// once per finalized word, so implementations are request/response rather than
// streaming.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Many sessions may finalize
// words at the same time.
type Provider interface {
	// Synthesize converts text into a single encoded audio payload (e.g., MP3)
	// spoken with voice. An empty or whitespace-only text must be rejected with
	// an error before any network call is made.
	//
	// A nil error with an empty payload is allowed; callers treat it the same
	// as a failure and emit nothing.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider.
	//
	// Returns an error if the provider cannot be reached or if ctx is cancelled
	// before the list is retrieved.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
