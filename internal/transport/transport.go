// Package transport defines the contract between call media transports and
// the session layer.
//
// A transport accepts calls, demultiplexes inbound audio into frames and
// carries outbound frames back. It doesn't know about turn-taking; it only
// works with the Handler and Sink contracts.
package transport

import (
	"context"
	"errors"

	"github.com/nadzzz/parley/internal/message"
)

// ErrClosed is returned when sending on a connection that has closed.
var ErrClosed = errors.New("transport closed")

// Conn is the outbound half of one call's media connection.
type Conn interface {
	// SendFrame delivers one outbound audio frame. It returns ErrClosed
	// once the connection is closed.
	SendFrame(frame []byte) error

	// Close hangs up the call from the server side.
	Close() error
}

// Sink receives one call's inbound media.
type Sink interface {
	// HandleFrame processes one inbound frame. Frames arrive in order.
	HandleFrame(frame message.Frame) error

	// TransportClosed tells the sink the connection is gone.
	TransportClosed()
}

// StartInfo describes a call as the transport announced it.
type StartInfo struct {
	// StreamID identifies the media stream; empty lets the handler pick one.
	StreamID string

	// CallID is the carrier's call identifier, if any.
	CallID string

	// Parameters holds custom parameters passed with the stream.
	Parameters map[string]string
}

// Handler is called by a transport when a call's media starts.
type Handler interface {
	OnStart(ctx context.Context, info StartInfo, conn Conn) (Sink, error)
}

// Transport is the interface that every call transport must implement.
type Transport interface {
	// Name returns the transport identifier (e.g., "http").
	Name() string

	// Listen accepts calls and hands them to handler. It blocks until the
	// context is cancelled.
	Listen(ctx context.Context, handler Handler) error

	// Close gracefully shuts down the transport.
	Close() error
}
