// Package types provides the sealed transport variant shared by the stdio
// and SSE implementations and the session layer above them.
package types

import (
	"context"
	"errors"

	"golang.org/x/exp/jsonrpc2"
)

// Common transport errors
var (
	ErrUnsupportedTransport = errors.New("unsupported transport type")
	ErrTransportClosed      = errors.New("transport closed")
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size")
	ErrInvalidMessage       = errors.New("invalid message")
)

// Kind represents the transport variant.
type Kind string

const (
	// KindStdio is the child-process transport.
	KindStdio Kind = "stdio"

	// KindSSE is the remote HTTP+SSE transport.
	KindSSE Kind = "sse"
)

// String returns the string representation of the transport kind.
func (k Kind) String() string {
	return string(k)
}

// Transport is one live JSON-RPC channel to a backend MCP server.
//
// Implementations serialize Send internally (one writer per channel) and run
// a dedicated reader goroutine that delivers every inbound frame on
// Messages(). After a fatal failure the Messages channel is closed, Closed()
// is signalled, and Err() reports the cause; the transport is then unusable
// and must be discarded by its owner.
type Transport interface {
	// Kind returns the transport variant.
	Kind() Kind

	// Send writes one JSON-RPC message to the backend.
	Send(ctx context.Context, msg jsonrpc2.Message) error

	// Messages returns the inbound frame stream. The channel is closed when
	// the transport dies or drains.
	Messages() <-chan jsonrpc2.Message

	// Closed is signalled when the transport is no longer usable.
	Closed() <-chan struct{}

	// Err returns the fatal error after Closed is signalled, or nil on a
	// clean drain.
	Err() error

	// Drain shuts the transport down gracefully, bounded by ctx.
	Drain(ctx context.Context) error
}

// MaxFrameSize is the largest single JSON-RPC frame accepted from a backend.
// A larger frame is a protocol violation and kills the transport.
const MaxFrameSize = 4 * 1024 * 1024
