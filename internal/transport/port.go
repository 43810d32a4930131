// Package transport provides the bidirectional message pipe between a
// foreground agent and the coordinator. The channel and router layers only
// see the Port interface; the concrete wire is a websocket in production and
// an in-memory pipe in tests and in-process embedding.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Receive after the port is closed.
var ErrClosed = errors.New("transport: port closed")

// Port is one end of a bidirectional message channel. A Port delivers whole
// messages in order; it carries no request/response semantics of its own.
type Port interface {
	// Send writes one message to the peer.
	Send(ctx context.Context, data []byte) error
	// Receive blocks until the next message from the peer arrives.
	Receive(ctx context.Context) ([]byte, error)
	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Dialer establishes a fresh Port to the coordinator. The channel manager
// dials once per channel incarnation and re-dials on reconnect.
type Dialer interface {
	Dial(ctx context.Context) (Port, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context) (Port, error)

// Dial establishes the port.
func (f DialerFunc) Dial(ctx context.Context) (Port, error) { return f(ctx) }
