// Package ssecommon provides Server-Sent Events wire helpers shared by the
// outbound SSE transport and the client-facing bridge.
package ssecommon

import (
	"fmt"
	"strings"
	"time"
)

// SSEMessage represents one Server-Sent Event.
type SSEMessage struct {
	// EventType is the SSE event name (endpoint, message, ping).
	EventType string

	// Data is the event payload.
	Data string

	// CreatedAt is when the message was created.
	CreatedAt time.Time
}

// NewSSEMessage creates a new SSE message.
func NewSSEMessage(eventType, data string) *SSEMessage {
	return &SSEMessage{
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// ToSSEString serializes the message into the SSE wire format. Multi-line
// data is split into one data: field per line, per the SSE specification.
func (m *SSEMessage) ToSSEString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "event: %s\n", m.EventType)
	for _, line := range strings.Split(m.Data, "\n") {
		fmt.Fprintf(&sb, "data: %s\n", line)
	}
	sb.WriteString("\n")
	return sb.String()
}
