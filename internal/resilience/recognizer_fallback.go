package resilience

import (
	"context"

	"github.com/MrWong99/signbridge/pkg/provider/recognizer"
)

// RecognizerFallback implements [recognizer.Provider] with failover across
// several classifier backends. An empty symbol is a valid answer and does not
// trigger failover.
type RecognizerFallback struct {
	group *FallbackGroup[recognizer.Provider]
}

var (
	_ recognizer.Provider = (*RecognizerFallback)(nil)
	_ recognizer.Pinger   = (*RecognizerFallback)(nil)
)

// NewRecognizerFallback creates a [RecognizerFallback] with primary as the
// preferred backend.
func NewRecognizerFallback(primary recognizer.Provider, primaryName string, cfg FallbackConfig) *RecognizerFallback {
	return &RecognizerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional recognizer.
func (f *RecognizerFallback) AddFallback(name string, p recognizer.Provider) {
	f.group.AddFallback(name, p)
}

// Recognize classifies frame with the first healthy backend.
func (f *RecognizerFallback) Recognize(ctx context.Context, frame []byte) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p recognizer.Provider) (string, error) {
		return p.Recognize(ctx, frame)
	})
}

// Ping reports whether some backend is reachable. Backends that cannot be
// pinged count as reachable while their breaker is not open.
func (f *RecognizerFallback) Ping(ctx context.Context) error {
	if err := f.group.Healthy(); err != nil {
		return err
	}
	return f.group.Execute(ctx, func(ctx context.Context, p recognizer.Provider) error {
		if pg, ok := p.(recognizer.Pinger); ok {
			return pg.Ping(ctx)
		}
		return nil
	})
}

// Healthy returns [ErrAllOpen] when every backend's breaker is open.
func (f *RecognizerFallback) Healthy() error { return f.group.Healthy() }

// Names returns the backend names in call order.
func (f *RecognizerFallback) Names() []string { return f.group.Names() }
