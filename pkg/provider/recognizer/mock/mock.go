// Package mock provides a test double for the recognizer.Provider interface.
//
// Results are consumed in order; once the script is exhausted, Default and
// DefaultErr are returned.
//
// Example:
//
//	p := &mock.Provider{Script: []mock.Result{{Symbol: "H"}, {Symbol: "I"}}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/signbridge/pkg/provider/recognizer"
)

// Result is one scripted answer.
type Result struct {
	Symbol string
	Err    error
}

// Provider is a mock implementation of recognizer.Provider.
type Provider struct {
	mu sync.Mutex

	// Script holds the answers returned by successive Recognize calls.
	Script []Result

	// Default and DefaultErr are returned after Script is exhausted.
	Default    string
	DefaultErr error

	// Frames records every frame passed to Recognize in order.
	Frames [][]byte

	// PingErr is returned by Ping.
	PingErr error
}

// Recognize records the frame and returns the next scripted result.
func (p *Provider) Recognize(_ context.Context, frame []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := make([]byte, len(frame))
	copy(f, frame)
	p.Frames = append(p.Frames, f)
	if len(p.Script) == 0 {
		return p.Default, p.DefaultErr
	}
	r := p.Script[0]
	p.Script = p.Script[1:]
	return r.Symbol, r.Err
}

// Ping returns PingErr.
func (p *Provider) Ping(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PingErr
}

// CallCount returns the number of Recognize calls so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Frames)
}

// Func adapts a plain function to recognizer.Provider.
type Func func(ctx context.Context, frame []byte) (string, error)

// Recognize calls f.
func (f Func) Recognize(ctx context.Context, frame []byte) (string, error) {
	return f(ctx, frame)
}

// Compile-time interface assertions.
var (
	_ recognizer.Provider = (*Provider)(nil)
	_ recognizer.Pinger   = (*Provider)(nil)
	_ recognizer.Provider = Func(nil)
)
