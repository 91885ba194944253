// Package decorator composes the four connection decorators — draining,
// weighted-latency, failure-accrual, and reenqueue — over a common Socket
// interface (§4.5-§4.8), replacing the source's per-event monkey-patching
// with static wrapping, one struct per concern (§9 design note).
package decorator

import (
	"context"

	"github.com/sagernet/rsocket-go/connection"
)

// Socket is the narrow contract every decorator both consumes and
// implements, matching the "Connection contract (to LB and decorators)"
// surface: request, availability, close.
type Socket interface {
	Request(ctx context.Context, p connection.Payload) (Stream, error)
	Availability() float64
	Close() error
}

// Stream is the per-request handle a Socket hands back. *connection.Stream
// already satisfies this; ReEnqueueFilter hands back a proxy that can rebind
// to a fresh inner stream across retries.
type Stream interface {
	Wait(ctx context.Context) (connection.Result, error)
	Cancel()
}

// connSocket adapts a *connection.Connection to Socket.
type connSocket struct {
	c *connection.Connection
}

// NewConnSocket wraps a Connection as the innermost Socket of a decorator
// chain.
func NewConnSocket(c *connection.Connection) Socket {
	return &connSocket{c: c}
}

func (s *connSocket) Request(ctx context.Context, p connection.Payload) (Stream, error) {
	st, err := s.c.Request(ctx, p)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *connSocket) Availability() float64 { return s.c.Availability() }
func (s *connSocket) Close() error          { return s.c.Close() }
