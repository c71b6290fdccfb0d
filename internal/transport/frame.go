package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
)

// ErrMalformedFrame is returned by [DecodeFrame] for messages that do not carry
// a usable image.
var ErrMalformedFrame = errors.New("transport: malformed frame")

// frameEnvelope is the optional JSON wrapper for text frames:
//
//	{"type":"frame","data":"<base64 or data URL>"}
type frameEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// DecodeFrame extracts the encoded image bytes from one inbound message.
//
// Binary messages are the image itself. Text messages carry the image as
// plain base64, as a data URL ("data:image/jpeg;base64,..."), or as either of
// those inside a {"type":"frame","data":...} envelope.
func DecodeFrame(typ websocket.MessageType, data []byte) ([]byte, error) {
	if typ == websocket.MessageBinary {
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: empty binary message", ErrMalformedFrame)
		}
		return data, nil
	}

	text := bytes.TrimSpace(data)
	if len(text) > 0 && text[0] == '{' {
		var env frameEnvelope
		if err := json.Unmarshal(text, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if env.Type != "" && env.Type != "frame" {
			return nil, fmt.Errorf("%w: unexpected message type %q", ErrMalformedFrame, env.Type)
		}
		text = []byte(strings.TrimSpace(env.Data))
	}
	return decodeText(string(text))
}

func decodeText(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		meta, payload, ok := strings.Cut(s[len("data:"):], ",")
		if !ok {
			return nil, fmt.Errorf("%w: data URL without payload", ErrMalformedFrame)
		}
		if !strings.HasSuffix(meta, ";base64") {
			return nil, fmt.Errorf("%w: data URL is not base64", ErrMalformedFrame)
		}
		s = payload
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}

	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Browsers occasionally strip padding.
		if out, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	return out, nil
}
