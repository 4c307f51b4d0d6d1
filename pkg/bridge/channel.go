package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-orch/mcp-orch/pkg/errors"
	"github.com/mcp-orch/mcp-orch/pkg/transport/ssecommon"
)

// channelState is the lifecycle position of a client channel.
type channelState int

const (
	channelOpen channelState = iota
	channelClosing
	channelClosed
)

// outboundQueueSize bounds the per-channel outbound frame queue. A client
// that cannot keep up hits backpressure rather than growing the heap.
const outboundQueueSize = 1024

// ClientChannel is one connected SSE client: an identity, a bounded
// outbound frame queue, and a context that dies with the connection.
type ClientChannel struct {
	id        string
	projectID string
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan string

	mu         sync.Mutex
	state      channelState
	subscribed map[string]bool
}

func newChannel(parent context.Context, projectID string) *ClientChannel {
	ctx, cancel := context.WithCancel(parent)
	return &ClientChannel{
		id:         uuid.New().String(),
		projectID:  projectID,
		createdAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		outbound:   make(chan string, outboundQueueSize),
		subscribed: make(map[string]bool),
	}
}

// ID returns the channel identity clients use on the POST endpoint.
func (c *ClientChannel) ID() string { return c.id }

// Context is cancelled when the client disconnects; in-flight work routed
// for this channel runs under it.
func (c *ClientChannel) Context() context.Context { return c.ctx }

// Enqueue queues one SSE frame for delivery. It never blocks: a full queue
// is a backpressure error, a closing channel refuses outright.
func (c *ClientChannel) Enqueue(msg *ssecommon.SSEMessage) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != channelOpen {
		return errors.NewTransportGoneError(
			fmt.Sprintf("client channel %s is %s", c.id, stateName(state)), nil)
	}

	select {
	case c.outbound <- msg.ToSSEString():
		return nil
	default:
		return errors.NewBackpressureError(
			fmt.Sprintf("client channel %s queue is full", c.id), nil)
	}
}

// Saturated reports whether the outbound queue has no room left.
func (c *ClientChannel) Saturated() bool {
	return len(c.outbound) == cap(c.outbound)
}

// accepting reports whether new POSTs may target this channel.
func (c *ClientChannel) accepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == channelOpen
}

// beginClose stops new work and cancels everything running for the channel.
func (c *ClientChannel) beginClose() {
	c.mu.Lock()
	if c.state != channelOpen {
		c.mu.Unlock()
		return
	}
	c.state = channelClosing
	c.mu.Unlock()
	c.cancel()
}

// finish marks the channel fully closed.
func (c *ClientChannel) finish() {
	c.beginClose()
	c.mu.Lock()
	c.state = channelClosed
	c.mu.Unlock()
}

// markSubscribed records a backend subscription, returning false when one
// already exists.
func (c *ClientChannel) markSubscribed(serverRef string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed[serverRef] {
		return false
	}
	c.subscribed[serverRef] = true
	return true
}

func stateName(s channelState) string {
	switch s {
	case channelOpen:
		return "open"
	case channelClosing:
		return "closing"
	default:
		return "closed"
	}
}
