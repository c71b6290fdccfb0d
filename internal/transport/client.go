package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/signbridge/internal/relay"
)

var (
	// ErrClientClosed is returned by Emit after the connection is gone.
	ErrClientClosed = errors.New("transport: client closed")

	// ErrBackpressure is returned by Emit when the outbound queue is full.
	ErrBackpressure = errors.New("transport: outbound queue full")
)

// client is the outbound half of one WebSocket connection. It implements
// [relay.Emitter]: Emit queues and returns, and a single writer goroutine
// drains the queue so events leave in the order they were emitted.
type client struct {
	id           string
	conn         *websocket.Conn
	out          chan relay.Event
	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

var _ relay.Emitter = (*client)(nil)

func newClient(id string, conn *websocket.Conn, buffer int, writeTimeout time.Duration) *client {
	return &client{
		id:           id,
		conn:         conn,
		out:          make(chan relay.Event, buffer),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// Emit queues ev for delivery.
func (c *client) Emit(ev relay.Event) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrBackpressure
	}
}

// close marks the client closed. Queued events are discarded. Idempotent.
func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writeLoop sends queued events until ctx is done, the client is closed, or a
// write fails.
func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case ev := <-c.out:
			if err := c.write(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (c *client) write(ctx context.Context, ev relay.Event) error {
	binary, payload, err := ev.Encode()
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}

	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, typ, payload); err != nil {
		return fmt.Errorf("transport: write %s: %w", ev.Kind, err)
	}
	return nil
}
