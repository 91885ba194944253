// Package transport defines the byte-channel contract the protocol core
// consumes (§6) and one concrete realization over net.Conn (TCP). Per §1
// scope, other byte-stream transports (WebSocket adapters, etc.) are
// external collaborators referenced only by this interface; this package
// does not ship one.
package transport

import (
	"io"
	"net"
	"time"
)

// Transport is the bidirectional byte channel the protocol core consumes.
// It is the Go-idiomatic rendering of the source's event-driven
// write/on_data/on_error/on_close/end surface (§6, §9 "Event-driven
// streams -> explicit state machines"): Read blocks for the next chunk
// instead of firing an on_data callback, and returns an error (often
// io.EOF) instead of firing separate on_error/on_close events.
type Transport interface {
	io.ReadWriteCloser

	// Framed reports whether this transport requires length-prefix framing
	// (true for a raw TCP byte stream) or whether each Read/Write already
	// exchanges one discrete, pre-framed message (a "framed = false"
	// transport per §6, e.g. a message-oriented WebSocket adapter).
	Framed() bool
}

// TCP wraps a net.Conn as a framed Transport: the default realization
// (§1 "TCP by default").
type TCP struct {
	net.Conn
}

// NewTCP wraps an already-established net.Conn.
func NewTCP(conn net.Conn) *TCP { return &TCP{Conn: conn} }

// Dial establishes a new TCP connection to addr with the given timeout.
func Dial(addr string, timeout time.Duration) (*TCP, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewTCP(conn), nil
}

func (*TCP) Framed() bool { return true }

// Pipe returns two in-process Transports connected back to back, useful for
// fixture tests that need a loopback duplex without a real socket (§8
// scenario 3 "server-less fixture Connection over a loopback duplex").
func Pipe() (Transport, Transport) {
	a, b := net.Pipe()
	return &pipeTransport{a}, &pipeTransport{b}
}

type pipeTransport struct {
	net.Conn
}

func (*pipeTransport) Framed() bool { return true }
