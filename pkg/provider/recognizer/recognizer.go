// Package recognizer defines the Provider interface for sign recognition
// backends.
//
// A recognizer wraps an external classifier that turns one encoded image frame
// (JPEG, PNG, ...) into a short symbol label, typically a single letter of a
// fingerspelling alphabet. The relay calls it once per inbound frame.
//
// Implementations must be safe for concurrent use.
package recognizer

import "context"

// Provider is the abstraction over any sign recognition backend.
type Provider interface {
	// Recognize classifies a single encoded image frame.
	//
	// It returns the recognised symbol, or the empty string when no sign was
	// detected in the frame. A non-nil error means the backend could not be
	// reached or answered with something unusable; callers must treat it as
	// "no result" and never as fatal.
	Recognize(ctx context.Context, frame []byte) (string, error)
}

// Pinger is implemented by providers that can cheaply check whether their
// backend is reachable. Used by readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}
