package relay

import (
	"encoding/json"
	"fmt"
)

// EventKind tags an outbound [Event].
type EventKind int

const (
	// EventLiveText carries the word accumulated so far.
	EventLiveText EventKind = iota

	// EventStatus carries a human-readable status line.
	EventStatus

	// EventAudio carries synthesized audio bytes.
	EventAudio

	// EventError reports a per-message processing failure. The connection
	// stays open.
	EventError
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventLiveText:
		return "live_text"
	case EventStatus:
		return "status"
	case EventAudio:
		return "audio"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one outbound message addressed to the session's own connection.
type Event struct {
	Kind EventKind

	// Text is set for live_text, status and error events.
	Text string

	// Audio is set for audio events.
	Audio []byte
}

// LiveText returns a live_text event for word.
func LiveText(word string) Event { return Event{Kind: EventLiveText, Text: word} }

// Status returns a status event.
func Status(msg string) Event { return Event{Kind: EventStatus, Text: msg} }

// Audio returns an audio event.
func Audio(b []byte) Event { return Event{Kind: EventAudio, Audio: b} }

// Error returns an error event.
func Error(msg string) Event { return Event{Kind: EventError, Text: msg} }

type taggedMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type errorMessage struct {
	Error string `json:"error"`
}

// Encode renders e in wire form. Audio events are sent as raw binary; all
// other events are JSON text:
//
//	{"type":"live_text","data":"HE"}
//	{"type":"status","data":"No sign detected. Try again."}
//	{"error":"Failed to process frame."}
func (e Event) Encode() (binary bool, payload []byte, err error) {
	switch e.Kind {
	case EventAudio:
		return true, e.Audio, nil
	case EventLiveText, EventStatus:
		payload, err = json.Marshal(taggedMessage{Type: e.Kind.String(), Data: e.Text})
	case EventError:
		payload, err = json.Marshal(errorMessage{Error: e.Text})
	default:
		return false, nil, fmt.Errorf("relay: encode: unknown event kind %d", e.Kind)
	}
	return false, payload, err
}

// Emitter delivers events to exactly one connection, in call order.
//
// Emit must not block for long; implementations queue and return. After the
// connection is gone, Emit returns an error and the event is discarded.
type Emitter interface {
	Emit(Event) error
}

// EmitterFunc adapts a function to [Emitter].
type EmitterFunc func(Event) error

// Emit calls f.
func (f EmitterFunc) Emit(e Event) error { return f(e) }
